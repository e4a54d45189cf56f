package fetcher

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// LineOptions configures the fixed-width line reader.
type LineOptions struct {
	SkipRows  int // leading lines to drop (headers, banners)
	MaxLength int // longest accepted line in bytes (default 1 MiB)
}

// StreamLines reads newline-delimited records and sends each non-blank line as a
// single-field Row. Carriage returns are stripped.
func StreamLines(ctx context.Context, r io.Reader, opts LineOptions) (<-chan Row, <-chan error) {
	rowCh := make(chan Row, 64)
	errCh := make(chan error, 1)

	maxLen := opts.MaxLength
	if maxLen <= 0 {
		maxLen = 1 << 20
	}

	go func() {
		defer close(rowCh)
		defer close(errCh)

		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, min(64*1024, maxLen)), maxLen)

		line := 0
		for scanner.Scan() {
			line++
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "lines: context cancelled")
				return
			}
			if line <= opts.SkipRows {
				continue
			}
			text := strings.TrimRight(scanner.Text(), "\r")
			if strings.TrimSpace(text) == "" {
				continue
			}

			select {
			case rowCh <- Row{Fields: []string{text}, Line: line}:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "lines: context cancelled")
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- eris.Wrapf(err, "lines: read line %d", line+1)
		}
	}()

	return rowCh, errCh
}
