package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"stalewatch/internal/model"
)

// SnapshotWriter is the slice of persistence the fetcher needs.
type SnapshotWriter interface {
	InsertSnapshot(ctx context.Context, snap model.Snapshot) error
}

// Fetcher is the default HTTP capture collaborator: fetch the page,
// hash its visible text and persist a snapshot row. The content hash
// is computed over extracted text rather than raw bytes so markup
// noise does not register as a content change.
type Fetcher struct {
	client    *http.Client
	snapshots SnapshotWriter
	userAgent string
	now       func() time.Time
}

func NewFetcher(snapshots SnapshotWriter, userAgent string, timeout time.Duration) *Fetcher {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if userAgent == "" {
		userAgent = "stalewatch/1.0"
	}
	return &Fetcher{
		client:    &http.Client{Transport: transport, Timeout: timeout},
		snapshots: snapshots,
		userAgent: userAgent,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (f *Fetcher) Capture(ctx context.Context, req Request) (Result, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Result{}, fmt.Errorf("invalid url %q", req.URL)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("fetch %s: status %d", u.Host, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("parse %s: %w", u.Host, err)
	}
	doc.Find("script, style, noscript").Remove()
	text := strings.Join(strings.Fields(doc.Text()), " ")
	title := strings.TrimSpace(doc.Find("title").First().Text())

	sum := sha256.Sum256([]byte(text))
	snap := model.Snapshot{
		ID:          uuid.NewString(),
		SourceID:    req.SourceID,
		ContentHash: hex.EncodeToString(sum[:]),
		Title:       title,
		CapturedAt:  f.now(),
	}
	if f.snapshots != nil {
		if err := f.snapshots.InsertSnapshot(ctx, snap); err != nil {
			return Result{}, fmt.Errorf("persist snapshot: %w", err)
		}
	}
	return Result{
		SourceID:    req.SourceID,
		SnapshotID:  snap.ID,
		ContentHash: snap.ContentHash,
	}, nil
}

// IsOfficialDomain reports whether the URL's host is, or is a
// subdomain of, one of the configured official domains.
func IsOfficialDomain(rawURL string, officialDomains []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range officialDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
