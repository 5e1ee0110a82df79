package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/ojeda/avisod/internal/normalize"
)

// Portal paths. The portal is a legacy CGI application; every screen
// hangs off the same executable.
const (
	loginPath   = "/cgi-bin/fccgi.exe?w3exec=PROF_PASS"
	listingPath = "/cgi-bin/fccgi.exe?w3exec=lista_servicios_total"
	detailPath  = "/cgi-bin/fccgi.exe?w3exec=detalle_servicio&ref="
)

// listingMinCells is the cell count separating data rows from header
// and filler rows in the listing table.
const listingMinCells = 6

// PortalConfig configures the provider portal client.
type PortalConfig struct {
	BaseURL string
	User    string
	Pass    string
	Timeout time.Duration
}

// Portal is an Extractor over the provider portal's server-rendered
// pages. A single session serves the whole run; detail fetches are
// serialized by the caller.
type Portal struct {
	cfg    PortalConfig
	client *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	loggedIn bool
}

// NewPortal creates a portal client with its own cookie jar.
func NewPortal(cfg PortalConfig) (*Portal, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("portal base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	return &Portal{
		cfg:    cfg,
		client: &http.Client{Jar: jar, Timeout: cfg.Timeout},
		logger: slog.Default(),
	}, nil
}

// login posts the credential form once per Portal lifetime. The portal
// answers 200 on bad credentials too, so failure is detected from the
// returned page: still showing the login form, naming a credential
// error, or blank.
func (p *Portal) login(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loggedIn {
		return nil
	}
	if p.cfg.User == "" || p.cfg.Pass == "" {
		return fmt.Errorf("%w: missing credentials", ErrLogin)
	}

	form := url.Values{}
	form.Set("CODIGO", p.cfg.User)
	form.Set("CLAVE", p.cfg.Pass)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+loginPath, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLogin, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading login response: %v", ErrLogin, err)
	}

	text := string(body)
	switch {
	case strings.Contains(text, "Usuario incorrecto"), strings.Contains(text, "Clave incorrecta"):
		return fmt.Errorf("%w: portal rejected credentials", ErrLogin)
	case strings.TrimSpace(text) == "":
		return fmt.Errorf("%w: portal returned a blank page", ErrLogin)
	case strings.Contains(text, `name="CODIGO"`):
		// Still on the login form.
		return fmt.Errorf("%w: still on login page after submit", ErrLogin)
	}

	p.logger.Debug("portal login succeeded", "user", p.cfg.User)
	p.loggedIn = true
	return nil
}

// ListSnapshotIDs logs in if needed, fetches the full service listing
// and returns the raw reference from the first cell of every data row.
func (p *Portal) ListSnapshotIDs(ctx context.Context) ([]string, error) {
	if err := p.login(ctx); err != nil {
		return nil, err
	}

	doc, err := p.fetchHTML(ctx, p.cfg.BaseURL+listingPath)
	if err != nil {
		return nil, fmt.Errorf("loading service listing: %w", err)
	}

	var ids []string
	for _, row := range tableRows(doc) {
		if len(row) < listingMinCells {
			continue
		}
		ids = append(ids, strings.TrimSpace(row[0]))
	}
	p.logger.Info("snapshot listing extracted", "rows", len(ids))
	return ids, nil
}

// Detail page row labels mapped onto Detail fields. Unlabeled or
// unknown rows are ignored.
var detailLabels = map[string]func(*normalize.Detail, string){
	"cliente":     func(d *normalize.Detail, v string) { d.ClientName = v },
	"dirección":   func(d *normalize.Detail, v string) { d.Street = v },
	"direccion":   func(d *normalize.Detail, v string) { d.Street = v },
	"localidad":   func(d *normalize.Detail, v string) { d.Locality = v },
	"teléfono":    func(d *normalize.Detail, v string) { d.Phone = v },
	"telefono":    func(d *normalize.Detail, v string) { d.Phone = v },
	"compañía":    func(d *normalize.Detail, v string) { d.Company = v },
	"compania":    func(d *normalize.Detail, v string) { d.Company = v },
	"descripción": func(d *normalize.Detail, v string) { d.Description = v },
	"descripcion": func(d *normalize.Detail, v string) { d.Description = v },
	"estado":      func(d *normalize.Detail, v string) { d.Status = v },
	"fecha":       func(d *normalize.Detail, v string) { d.DateLabel = v },
}

// FetchDetail loads one service's detail page and extracts its labeled
// fields. Pages that fail to load, or that carry no recognizable
// fields, surface as ErrInaccessible.
func (p *Portal) FetchDetail(ctx context.Context, id string) (normalize.Detail, error) {
	if err := p.login(ctx); err != nil {
		return normalize.Detail{}, err
	}

	doc, err := p.fetchHTML(ctx, p.cfg.BaseURL+detailPath+url.QueryEscape(id))
	if err != nil {
		p.logger.Warn("detail page inaccessible", "id", id, "error", err)
		return normalize.Detail{}, fmt.Errorf("service %s: %w", id, ErrInaccessible)
	}

	var d normalize.Detail
	matched := 0
	for _, row := range tableRows(doc) {
		if len(row) < 2 {
			continue
		}
		label := strings.ToLower(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(row[0]), ":")))
		if set, ok := detailLabels[label]; ok {
			set(&d, strings.TrimSpace(row[1]))
			matched++
		}
	}
	if matched == 0 {
		return normalize.Detail{}, fmt.Errorf("service %s: no detail fields found: %w", id, ErrInaccessible)
	}
	return d, nil
}

func (p *Portal) fetchHTML(ctx context.Context, pageURL string) (*html.Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("portal returned status %d", resp.StatusCode)
	}
	return html.Parse(resp.Body)
}

// tableRows collects the text of every <td> per <tr> across all tables
// in the document, in document order.
func tableRows(doc *html.Node) [][]string {
	var rows [][]string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			var cells []string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && c.Data == "td" {
					cells = append(cells, nodeText(c))
				}
			}
			if len(cells) > 0 {
				rows = append(rows, cells)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return rows
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}
