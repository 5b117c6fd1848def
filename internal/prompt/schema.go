package prompt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
)

// LoadSchema reads the schema document at path and returns its text verbatim.
func LoadSchema(ctx context.Context, path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("schema path is required")
	}
	parserExt, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return "", fmt.Errorf("schema parser: %w", err)
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		return "", fmt.Errorf("schema loader: %w", err)
	}
	docs, err := loader.Load(ctx, document.Source{URI: path})
	if err != nil {
		return "", fmt.Errorf("load schema %s: %w", path, err)
	}
	var b strings.Builder
	for _, doc := range docs {
		b.WriteString(doc.Content)
	}
	text := b.String()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("schema %s is empty", path)
	}
	return text, nil
}
