package knowledge

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/remiges-tech/logharbour/logharbour"
)

// LoadDir seeds a corpus from every .txt and .md file under dir, splitting
// files into paragraph chunks. Missing directories are not an error so a
// worker can start without any baseline knowledge. Returns the number of
// chunks added.
func LoadDir(ctx context.Context, corpus *Corpus, dir string, logger *logharbour.Logger) (int, error) {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if dir == "" {
		return 0, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug0().LogActivity("Knowledge directory does not exist, skipping bootstrap", map[string]any{
			"dir": dir,
		})
		return 0, nil
	}

	matches, err := doublestar.FilepathGlob(dir + "/**/*.{txt,md}")
	if err != nil {
		return 0, fmt.Errorf("glob knowledge dir: %w", err)
	}

	total := 0
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn().LogActivity("Failed to read knowledge file", map[string]any{
				"file":  path,
				"error": err.Error(),
			})
			continue
		}
		chunks := splitParagraphs(string(data))
		if len(chunks) == 0 {
			continue
		}
		if err := corpus.AddTexts(ctx, chunks); err != nil {
			return total, fmt.Errorf("load knowledge file %s: %w", path, err)
		}
		total += len(chunks)
	}

	logger.Info().LogActivity("Knowledge corpus bootstrapped from directory", map[string]any{
		"dir":    dir,
		"files":  len(matches),
		"chunks": total,
	})
	return total, nil
}

func splitParagraphs(text string) []string {
	parts := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
