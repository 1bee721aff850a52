package render

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

const (
	documentClass = `\documentclass[12pt]{article}`
	beginDocument = `\begin{document}`
	endDocument   = `\end{document}`
)

// preamble is inserted between the document class and \begin{document}.
var preamble = []string{
	`\usepackage[utf8]{inputenc}`,
	`\usepackage[T1]{fontenc}`,
	`\usepackage{amsmath,amssymb,amsfonts}`,
	`\usepackage{tikz}`,
	`\usepackage{pgfplots}`,
	`\usepackage{array,tabularx,booktabs}`,
	`\usepackage{graphicx}`,
	`\usepackage{geometry}`,
	`\usepackage{xcolor}`,
	`\pgfplotsset{compat=1.18}`,
	`\usetikzlibrary{shapes,arrows,positioning,calc}`,
	`\geometry{margin=0.5in}`,
	`\pagestyle{empty}`,
}

// WrapDocument returns a complete LaTeX document for markup.
// Markup that already declares \documentclass is returned unchanged.
func WrapDocument(markup string) string {
	if IsCompleteDocument(markup) {
		return markup
	}

	lines := make([]string, 0, len(preamble)+4)
	lines = append(lines, documentClass)
	lines = append(lines, preamble...)
	lines = append(lines, beginDocument, markup, endDocument)
	return strings.Join(lines, "\n")
}

// IsCompleteDocument reports whether markup carries its own document class.
func IsCompleteDocument(markup string) bool {
	return strings.Contains(markup, `\documentclass`)
}

// Digest returns a stable hex SHA-256 over a wrapped document and its raster settings.
func Digest(document string, dpi int, format string) string {
	h := sha256.New()
	h.Write([]byte(document))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(dpi)))
	h.Write([]byte{0})
	h.Write([]byte(format))
	return hex.EncodeToString(h.Sum(nil))
}
