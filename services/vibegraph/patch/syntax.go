// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// Language selects the grammar used for well-formedness checks.
type Language string

const (
	LangPython     Language = "python"
	LangGo         Language = "go"
	LangJavaScript Language = "javascript"
	LangTypeScript Language = "typescript"
)

// ParseLanguage validates a user-supplied language name. The empty string
// is accepted and means "use the default".
func ParseLanguage(s string) (Language, bool) {
	switch lang := Language(strings.ToLower(s)); lang {
	case "", LangPython, LangGo, LangJavaScript, LangTypeScript:
		return lang, true
	default:
		return "", false
	}
}

// DetectLanguage maps a filename to a Language. Returns "" for extensions
// with no grammar, which callers treat as "skip the syntax check".
func DetectLanguage(filename string) Language {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".go":
		return LangGo
	case ".py", ".pyi":
		return LangPython
	case ".js", ".jsx", ".mjs", ".cjs":
		return LangJavaScript
	case ".ts", ".tsx", ".mts", ".cts":
		return LangTypeScript
	default:
		return ""
	}
}

func grammarFor(lang Language) *sitter.Language {
	switch lang {
	case LangGo:
		return golang.GetLanguage()
	case LangPython:
		return python.GetLanguage()
	case LangJavaScript:
		return javascript.GetLanguage()
	case LangTypeScript:
		return typescript.GetLanguage()
	default:
		return nil
	}
}

// CheckSyntax parses content with the grammar for lang and returns a
// *ValidationError describing the first syntax error, or nil when the
// content is well-formed. An empty or unknown language skips the check.
//
// The error message format is stable ("SyntaxError: invalid syntax at line
// N, column M") because it is relayed verbatim to the generator as feedback
// and must read the same across turns. Parsers are created per call; see
// the upstream note about tree-sitter parser sharing.
func CheckSyntax(ctx context.Context, content string, lang Language) error {
	grammar := grammarFor(lang)
	if grammar == nil {
		return nil
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammar)

	tree, err := parser.ParseCtx(ctx, nil, []byte(content))
	if err != nil {
		return fmt.Errorf("parsing patched content: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if !hasSyntaxError(root) {
		return nil
	}

	line, col := 1, 1
	if errNode := findFirstError(root); errNode != nil {
		line = int(errNode.StartPoint().Row) + 1
		col = int(errNode.StartPoint().Column) + 1
	}
	return &ValidationError{
		Message: fmt.Sprintf("SyntaxError: invalid syntax at line %d, column %d", line, col),
	}
}

// hasSyntaxError checks if the AST has syntax errors.
func hasSyntaxError(node *sitter.Node) bool {
	if node == nil {
		return false
	}
	if node.IsError() || node.IsMissing() {
		return true
	}
	for i := uint32(0); i < node.ChildCount(); i++ {
		if hasSyntaxError(node.Child(int(i))) {
			return true
		}
	}
	return false
}

// findFirstError finds the first error node in the AST.
func findFirstError(node *sitter.Node) *sitter.Node {
	if node == nil {
		return nil
	}
	if node.IsError() || node.IsMissing() {
		return node
	}
	for i := uint32(0); i < node.ChildCount(); i++ {
		if err := findFirstError(node.Child(int(i))); err != nil {
			return err
		}
	}
	return nil
}
