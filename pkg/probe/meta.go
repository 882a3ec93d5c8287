package probe

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Metadata performs a one-shot identity lookup against the reference
// service's trace endpoint, which answers one key=value pair per line.
// Transport failures and non-success statuses are fatal to the run: if this
// request cannot complete, no downstream phase is meaningful.
func (p *Prober) Metadata(ctx context.Context) (*Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+tracePath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", p.userAgent)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}

	meta := &Metadata{}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		key, value, found := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !found {
			continue
		}
		switch key {
		case "colo":
			meta.Colo = value
		case "ip":
			meta.IP = value
		case "loc":
			meta.Location = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return meta, nil
}
