package ollama

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sony/gobreaker"
)

const (
	generateEndpoint = "/api/generate"
	tagsEndpoint     = "/api/tags"

	scannerBuffer    = 64 * 1024
	scannerMaxBuffer = 1024 * 1024
)

// Config for the Ollama client.
type Config struct {
	URL           string        `yaml:"url"`
	Model         string        `yaml:"model"`
	Timeout       time.Duration `yaml:"timeout"`
	Temperature   float64       `yaml:"temperature"`
	NumPredict    int           `yaml:"num_predict"`
	RepeatPenalty float64       `yaml:"repeat_penalty"`
	RepeatLastN   int           `yaml:"repeat_last_n"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker guarding the LLM endpoint.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenDuration        time.Duration `yaml:"open_duration"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Timeout = 2 * time.Minute
	cfg.Temperature = 0.3
	cfg.NumPredict = 768
	cfg.RepeatPenalty = 1.1
	cfg.RepeatLastN = 64
	cfg.Breaker.ConsecutiveFailures = 3
	cfg.Breaker.OpenDuration = 30 * time.Second

	f.StringVar(&cfg.URL, prefix+".url", "http://localhost:11434", "Base URL of the Ollama server.")
	f.StringVar(&cfg.Model, prefix+".model", "llama3.1:8b", "Model used to draft anomaly analyses.")
}

// Client streams completions from an Ollama server. All generation calls run
// through a circuit breaker so a dead endpoint fails fast instead of tying up
// the dispatch loop.
type Client struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func New(cfg Config) *Client {
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "ollama",
			Timeout: cfg.Breaker.OpenDuration,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.Breaker.ConsecutiveFailures
			},
		}),
	}
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature   float64 `json:"temperature"`
	NumPredict    int     `json:"num_predict"`
	RepeatPenalty float64 `json:"repeat_penalty"`
	RepeatLastN   int     `json:"repeat_last_n"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate streams a completion for prompt. onChunk is invoked for every
// decoded chunk in arrival order; the accumulated text is returned once the
// server reports completion. A nil onChunk is allowed.
func (c *Client) Generate(ctx context.Context, prompt string, onChunk func(string)) (string, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.generate(ctx, prompt, onChunk)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (c *Client) generate(ctx context.Context, prompt string, onChunk func(string)) (string, error) {
	body, err := jsoniter.Marshal(generateRequest{
		Model:  c.cfg.Model,
		Prompt: prompt,
		Stream: true,
		Options: generateOptions{
			Temperature:   c.cfg.Temperature,
			NumPredict:    c.cfg.NumPredict,
			RepeatPenalty: c.cfg.RepeatPenalty,
			RepeatLastN:   c.cfg.RepeatLastN,
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(c.cfg.URL, "/")+generateEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("error calling ollama: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama generate failed with response: %d body: %s", resp.StatusCode, string(respBody))
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, scannerBuffer), scannerMaxBuffer)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk generateChunk
		if err := jsoniter.Unmarshal(line, &chunk); err != nil {
			return "", fmt.Errorf("error decoding ollama chunk: %w", err)
		}

		if chunk.Response != "" {
			full.WriteString(chunk.Response)
			if onChunk != nil {
				onChunk(chunk.Response)
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("error reading ollama stream: %w", err)
	}

	return full.String(), nil
}

// Ping probes the tags endpoint to confirm the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(c.cfg.URL, "/")+tagsEndpoint, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("error calling ollama: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama tags probe failed with response: %d", resp.StatusCode)
	}
	return nil
}
