// Package harvest fetches entities from the upstream racing registry and
// writes them to the blob store as shards.
package harvest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Entity kinds served by the upstream registry.
const (
	Horse   = "horse"
	Jockey  = "jockey"
	Trainer = "trainer"
	Breeder = "breeder"
)

// Entities lists every entity kind the harvester knows.
var Entities = []string{Horse, Jockey, Trainer, Breeder}

// Fetcher returns one normalized entity record. found is false when the
// upstream has nothing under id.
type Fetcher interface {
	Fetch(ctx context.Context, entity string, id int64) (record map[string]any, found bool, err error)
}

// HTTPConfig configures an HTTPFetcher.
type HTTPConfig struct {
	BaseURL       string
	RatePerSecond float64
	Burst         int
	RetryMax      int
	RetryDelay    time.Duration
	Timeout       time.Duration
}

// HTTPFetcher reads entities from the registry's JSON API. Requests are
// rate limited; server errors and connection failures are retried, a 404
// is reported as not found.
type HTTPFetcher struct {
	client  *retryablehttp.Client
	limiter *rate.Limiter
	baseURL string
	log     zerolog.Logger
}

func NewHTTPFetcher(cfg HTTPConfig, log zerolog.Logger) *HTTPFetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	if cfg.RetryDelay > 0 {
		client.RetryWaitMin = cfg.RetryDelay
		client.RetryWaitMax = 30 * cfg.RetryDelay
	}
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}
	client.Logger = leveledLogger{log: log}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &HTTPFetcher{
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		log:     log,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, entity string, id int64) (map[string]any, bool, error) {
	base := f.baseURL + "/" + entity + "/" + strconv.FormatInt(id, 10)

	raw, found, err := f.getJSON(ctx, base)
	if err != nil || !found {
		return nil, found, err
	}
	obj, _ := raw.(map[string]any)
	if obj == nil {
		return nil, false, errors.Errorf("%s %d: unexpected response shape", entity, id)
	}

	switch entity {
	case Breeder:
		return NormalizeBreeder(id, obj), true, nil
	case Jockey, Trainer:
		return NormalizePerson(entity, id, obj), true, nil
	case Horse:
		career, _, err := f.getJSON(ctx, base+"/career")
		if err != nil {
			return nil, false, err
		}
		races, _, err := f.getJSON(ctx, base+"/races")
		if err != nil {
			return nil, false, err
		}
		var careerRows any
		if m, ok := career.(map[string]any); ok {
			careerRows = m["data"]
		}
		return NormalizeHorse(id, obj, careerRows, races, f.log), true, nil
	}
	return nil, false, errors.Errorf("unknown entity %q", entity)
}

func (f *HTTPFetcher) getJSON(ctx context.Context, url string) (any, bool, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, false, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, errors.Wrapf(err, "building request for %s", url)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, false, errors.Wrapf(err, "GET %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, false, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, errors.Wrapf(err, "reading %s", url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, errors.Errorf("GET %s: status %d", url, resp.StatusCode)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false, errors.Wrapf(err, "decoding %s", url)
	}
	return v, true, nil
}

// leveledLogger routes retryablehttp's logging into zerolog.
type leveledLogger struct {
	log zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.log.Error().Fields(kv).Msg(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.log.Debug().Fields(kv).Msg(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.log.Trace().Fields(kv).Msg(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.log.Warn().Fields(kv).Msg(msg) }
