package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	repgo "github.com/replicate/replicate-go"
)

// maxWebhookBody caps the body buffered for signature checks.
const maxWebhookBody = 4 << 20

// ErrNoSigningSecret means the webhook signing secret is neither configured
// nor retrievable, so signatures cannot be checked.
var ErrNoSigningSecret = errors.New("webhook signing secret unavailable")

var webhookEvents = []repgo.WebhookEventType{repgo.WebhookEventStart, repgo.WebhookEventCompleted}

type Client struct {
	client *repgo.Client

	mu            sync.Mutex
	webhookSecret string
}

// New builds a client. webhookSecret may be empty, in which case it is
// fetched from Replicate on first use.
func New(token, webhookSecret string) (*Client, error) {
	if token == "" {
		token = os.Getenv("REPLICATE_API_TOKEN")
	}
	cl, err := repgo.NewClient(repgo.WithToken(token))
	if err != nil {
		return nil, err
	}
	return &Client{client: cl, webhookSecret: webhookSecret}, nil
}

func webhook(url string) *repgo.Webhook {
	if url == "" {
		return nil
	}
	return &repgo.Webhook{URL: url, Events: webhookEvents}
}

// CreatePrediction starts a prediction against a model version. Replicate
// calls webhookURL on start and completion when it is non-empty.
func (c *Client) CreatePrediction(ctx context.Context, version string, input map[string]interface{}, webhookURL string) (*repgo.Prediction, error) {
	return c.client.CreatePrediction(ctx, version, repgo.PredictionInput(input), webhook(webhookURL), false)
}

func (c *Client) GetPrediction(ctx context.Context, id string) (*repgo.Prediction, error) {
	return c.client.GetPrediction(ctx, id)
}

// CancelPrediction cancels a running prediction on Replicate so it doesn't stay pending.
func (c *Client) CancelPrediction(ctx context.Context, id string) error {
	_, err := c.client.CancelPrediction(ctx, id)
	return err
}

// CreateModel creates the private destination model for a training. An
// existing model with the same name is not an error.
func (c *Client) CreateModel(ctx context.Context, owner, name, hardware string) error {
	_, err := c.client.CreateModel(ctx, owner, name, repgo.CreateModelOptions{
		Visibility: "private",
		Hardware:   hardware,
	})
	var apiErr *repgo.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		return nil
	}
	return err
}

// CreateTraining starts a training. trainer is "owner/name:version" and
// destination "owner/name".
func (c *Client) CreateTraining(ctx context.Context, trainer, destination string, input map[string]interface{}, webhookURL string) (*repgo.Training, error) {
	owner, name, version, err := ParseTrainer(trainer)
	if err != nil {
		return nil, err
	}
	return c.client.CreateTraining(ctx, owner, name, version, destination, repgo.TrainingInput(input), webhook(webhookURL))
}

func (c *Client) GetTraining(ctx context.Context, id string) (*repgo.Training, error) {
	return c.client.GetTraining(ctx, id)
}

func (c *Client) CancelTraining(ctx context.Context, id string) error {
	_, err := c.client.CancelTraining(ctx, id)
	return err
}

func (c *Client) signingSecret(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.webhookSecret != "" {
		return c.webhookSecret, nil
	}
	s, err := c.client.GetDefaultWebhookSecret(ctx)
	if err != nil {
		return "", err
	}
	c.webhookSecret = s.Key
	return c.webhookSecret, nil
}

// ValidateWebhook checks the webhook-signature headers. The body is buffered
// and restored so the caller can still decode it.
func (c *Client) ValidateWebhook(r *http.Request) (bool, error) {
	secret, err := c.signingSecret(r.Context())
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrNoSigningSecret, err)
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return false, err
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	ok, err := repgo.ValidateWebhookRequest(r, repgo.WebhookSigningSecret{Key: secret})
	r.Body = io.NopCloser(bytes.NewReader(body))
	return ok, err
}

// ParseTrainer splits "owner/name:version".
func ParseTrainer(s string) (owner, name, version string, err error) {
	ref, version, ok := strings.Cut(strings.TrimSpace(s), ":")
	owner, name, ok2 := strings.Cut(ref, "/")
	if !ok || !ok2 || owner == "" || name == "" || version == "" || strings.Contains(name, "/") {
		return "", "", "", fmt.Errorf("trainer %q: want owner/name:version", s)
	}
	return owner, name, version, nil
}

// OutputURLs flattens prediction output into its URLs. Models return a bare
// string, a list of strings, or an object with an "output" field.
func OutputURLs(out interface{}) []string {
	switch v := out.(type) {
	case nil:
		return nil
	case string:
		if v = strings.TrimSpace(v); v != "" {
			return []string{v}
		}
	case []string:
		var urls []string
		for _, s := range v {
			urls = append(urls, OutputURLs(s)...)
		}
		return urls
	case []interface{}:
		var urls []string
		for _, s := range v {
			urls = append(urls, OutputURLs(s)...)
		}
		return urls
	case map[string]interface{}:
		return OutputURLs(v["output"])
	case json.RawMessage:
		var decoded interface{}
		if json.Unmarshal(v, &decoded) == nil {
			return OutputURLs(decoded)
		}
	}
	return nil
}

// TrainingVersion returns the "owner/name:sha" a finished training produced.
func TrainingVersion(out interface{}) string {
	switch v := out.(type) {
	case map[string]interface{}:
		s, _ := v["version"].(string)
		return s
	case json.RawMessage:
		var m map[string]interface{}
		if json.Unmarshal(v, &m) == nil {
			return TrainingVersion(m)
		}
	}
	return ""
}

// VersionID strips the "owner/name:" prefix when present.
func VersionID(v string) string {
	if i := strings.LastIndex(v, ":"); i >= 0 {
		return v[i+1:]
	}
	return v
}

// ErrorText renders a prediction's error field.
func ErrorText(e interface{}) string {
	switch v := e.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]interface{}:
		if d, ok := v["detail"].(string); ok {
			return d
		}
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprint(e)
	}
	return string(b)
}
