package dispute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/agoramesh-ai/settlement/internal/circuitbreaker"
	"github.com/agoramesh-ai/settlement/internal/domain/model"
	"github.com/agoramesh-ai/settlement/internal/metrics"
)

// Ruling is an advisory assessment of a dispute. It never binds the outcome;
// jurors see it as a prior and the tally falls back to it only on a tie.
type Ruling struct {
	Outcome    model.DisputeOutcome `json:"outcome"`
	Confidence float64              `json:"confidence"`
	Rationale  string               `json:"rationale,omitempty"`
}

// ArbiterOracle produces advisory rulings for assisted-tier disputes.
type ArbiterOracle interface {
	Evaluate(ctx context.Context, d *model.Dispute) (*Ruling, error)
}

// NoopOracle is used when no oracle endpoint is configured.
type NoopOracle struct{}

func (NoopOracle) Evaluate(context.Context, *model.Dispute) (*Ruling, error) {
	return nil, nil
}

// HTTPOracle fetches advisory rulings from an external evaluation service.
// Calls go through a circuit breaker so a degraded oracle cannot stall
// dispute intake; callers treat every error as "no advisory ruling".
type HTTPOracle struct {
	endpoint string
	client   *http.Client
	breaker  *circuitbreaker.Breaker
	logger   *slog.Logger
}

// NewHTTPOracle creates an oracle client against endpoint.
func NewHTTPOracle(endpoint string, timeout time.Duration, logger *slog.Logger) *HTTPOracle {
	return &HTTPOracle{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: 3,
			SuccessThreshold: 1,
			OpenTimeout:      time.Minute,
			OnStateChange: func(from, to circuitbreaker.State) {
				logger.Warn("oracle circuit state change", "from", from.String(), "to", to.String())
			},
		}),
		logger: logger.With("component", "oracle"),
	}
}

type oracleRequest struct {
	DisputeID        string `json:"dispute_id"`
	RefKind          string `json:"ref_kind"`
	RefID            string `json:"ref_id"`
	DisputedAmount   string `json:"disputed_amount"`
	Token            string `json:"token"`
	ClientEvidence   string `json:"client_evidence,omitempty"`
	ProviderEvidence string `json:"provider_evidence,omitempty"`
}

// Evaluate posts the dispute summary and returns the service's ruling.
func (o *HTTPOracle) Evaluate(ctx context.Context, d *model.Dispute) (*Ruling, error) {
	if err := o.breaker.Allow(); err != nil {
		metrics.OracleRulings.WithLabelValues("circuit_open").Inc()
		return nil, err
	}

	body, err := json.Marshal(oracleRequest{
		DisputeID:        d.ID.String(),
		RefKind:          string(d.RefKind),
		RefID:            d.RefID.String(),
		DisputedAmount:   d.DisputedAmount,
		Token:            d.Token,
		ClientEvidence:   d.ClientEvidence,
		ProviderEvidence: d.ProviderEvidence,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal oracle request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build oracle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := o.client.Do(req)
	metrics.OracleLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		o.breaker.RecordFailure()
		metrics.OracleRulings.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("oracle request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		o.breaker.RecordFailure()
		metrics.OracleRulings.WithLabelValues("error").Inc()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("oracle returned status %d", resp.StatusCode)
	}

	var ruling Ruling
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&ruling); err != nil {
		o.breaker.RecordFailure()
		metrics.OracleRulings.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("decode oracle response: %w", err)
	}
	if ruling.Outcome != model.OutcomeForClient && ruling.Outcome != model.OutcomeForProvider {
		o.breaker.RecordFailure()
		metrics.OracleRulings.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("oracle returned unknown outcome %q", ruling.Outcome)
	}
	if ruling.Confidence < 0 || ruling.Confidence > 1 {
		ruling.Confidence = 0
	}

	o.breaker.RecordSuccess()
	metrics.OracleRulings.WithLabelValues("ok").Inc()
	return &ruling, nil
}
