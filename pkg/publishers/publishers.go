package publishers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/samvad-hq/samvad-article-sync/pkg/awsconf"
	"gopkg.in/yaml.v3"
)

const (
	// Supported publisher types.
	TypeSQS    = "sqs"
	TypeSNS    = "sns"
	TypeHTTP   = "http"
	TypePubSub = "pubsub"

	httpDefaultTimeoutSeconds = 5
)

// PublisherConfig is one sink entry of the publishers file. Exactly the block
// matching Type is read.
type PublisherConfig struct {
	ID      string               `json:"id" yaml:"id"`
	Type    string               `json:"type" yaml:"type"`
	Enabled *bool                `json:"enabled" yaml:"enabled"`
	SQS     *SQSPublisherConfig  `json:"sqs" yaml:"sqs"`
	SNS     *SNSPublisherConfig  `json:"sns" yaml:"sns"`
	HTTP    *HTTPPublisherConfig `json:"http" yaml:"http"`
	PubSub  *GCPQueueConfig      `json:"pubsub" yaml:"pubsub"`
}

// AWSCredentials are optional static keys; without them the default chain applies.
type AWSCredentials struct {
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
	SessionToken    string `json:"session_token" yaml:"session_token"`
}

// SQSPublisherConfig targets an SQS queue.
type SQSPublisherConfig struct {
	QueueURL    string          `json:"uri" yaml:"uri"`
	Region      string          `json:"region" yaml:"region"`
	Endpoint    string          `json:"endpoint" yaml:"endpoint"`
	Credentials *AWSCredentials `json:"credentials" yaml:"credentials"`
}

// SNSPublisherConfig targets an SNS topic.
type SNSPublisherConfig struct {
	TopicARN    string          `json:"topic_arn" yaml:"topic_arn"`
	Region      string          `json:"region" yaml:"region"`
	Endpoint    string          `json:"endpoint" yaml:"endpoint"`
	Credentials *AWSCredentials `json:"credentials" yaml:"credentials"`
}

// HTTPPublisherConfig targets a webhook-style HTTP endpoint.
type HTTPPublisherConfig struct {
	URL            string            `json:"url" yaml:"url"`
	Method         string            `json:"method" yaml:"method"`
	Headers        map[string]string `json:"headers" yaml:"headers"`
	TimeoutSeconds int               `json:"timeout_seconds" yaml:"timeout_seconds"`
}

func (c *SQSPublisherConfig) normalize() {
	c.QueueURL = strings.TrimSpace(c.QueueURL)
	c.Region = strings.TrimSpace(c.Region)
	c.Endpoint = strings.TrimSpace(c.Endpoint)
}

func (c *SQSPublisherConfig) validate() error {
	switch {
	case c.QueueURL == "":
		return errors.New("sqs.uri is required")
	case c.Region == "":
		return errors.New("sqs.region is required")
	}
	return nil
}

func (c *SQSPublisherConfig) awsOptions() awsconf.Options {
	return credentialOptions(c.Region, c.Endpoint, c.Credentials)
}

func (c *SNSPublisherConfig) normalize() {
	c.TopicARN = strings.TrimSpace(c.TopicARN)
	c.Region = strings.TrimSpace(c.Region)
	c.Endpoint = strings.TrimSpace(c.Endpoint)
}

func (c *SNSPublisherConfig) validate() error {
	switch {
	case c.TopicARN == "":
		return errors.New("sns.topic_arn is required")
	case c.Region == "":
		return errors.New("sns.region is required")
	}
	return nil
}

func (c *SNSPublisherConfig) awsOptions() awsconf.Options {
	return credentialOptions(c.Region, c.Endpoint, c.Credentials)
}

func (c *GCPQueueConfig) normalize() {
	c.ProjectID = strings.TrimSpace(c.ProjectID)
	c.Topic = strings.TrimSpace(c.Topic)
}

func (c *GCPQueueConfig) validate() error {
	if c.ProjectID == "" || c.Topic == "" {
		return errors.New("pubsub.project_id and pubsub.topic are required")
	}
	return nil
}

func (c *HTTPPublisherConfig) normalize() {
	c.URL = strings.TrimSpace(c.URL)
	c.Method = strings.ToUpper(strings.TrimSpace(c.Method))
	if c.Method == "" {
		c.Method = http.MethodPost
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = httpDefaultTimeoutSeconds
	}
	headers := make(map[string]string, len(c.Headers))
	for k, v := range c.Headers {
		if k, v = strings.TrimSpace(k), strings.TrimSpace(v); k != "" && v != "" {
			headers[k] = v
		}
	}
	c.Headers = headers
}

func (c *HTTPPublisherConfig) validate() error {
	if c.URL == "" {
		return errors.New("http.url is required")
	}
	switch c.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return nil
	default:
		return fmt.Errorf("http.method %q cannot carry an event body", c.Method)
	}
}

func credentialOptions(region, endpoint string, creds *AWSCredentials) awsconf.Options {
	opts := awsconf.Options{Region: region, Endpoint: endpoint}
	if creds != nil {
		opts.AccessKeyID = strings.TrimSpace(creds.AccessKeyID)
		opts.SecretAccessKey = strings.TrimSpace(creds.SecretAccessKey)
		opts.SessionToken = strings.TrimSpace(creds.SessionToken)
	}
	return opts
}

// sink is implemented by every per-type config block.
type sink interface {
	normalize()
	validate() error
}

// sink returns the block selected by Type, or nil when it is absent.
func (cfg *PublisherConfig) sink() (sink, error) {
	switch cfg.Type {
	case TypeSQS:
		if cfg.SQS != nil {
			return cfg.SQS, nil
		}
	case TypeSNS:
		if cfg.SNS != nil {
			return cfg.SNS, nil
		}
	case TypeHTTP:
		if cfg.HTTP != nil {
			return cfg.HTTP, nil
		}
	case TypePubSub:
		if cfg.PubSub != nil {
			return cfg.PubSub, nil
		}
	case "":
		return nil, errors.New("type is required")
	default:
		// Unknown types are rejected by the builder registry.
		return nil, nil
	}
	return nil, fmt.Errorf("%s block is required", cfg.Type)
}

// normalize trims fields in place and applies defaults.
func (cfg *PublisherConfig) normalize() {
	cfg.ID = strings.TrimSpace(cfg.ID)
	cfg.Type = strings.ToLower(strings.TrimSpace(cfg.Type))
	if s, _ := cfg.sink(); s != nil {
		s.normalize()
	}
}

// validate checks the entry and its sink block.
func (cfg *PublisherConfig) validate() error {
	if cfg.ID == "" {
		return errors.New("id is required")
	}
	s, err := cfg.sink()
	if err != nil {
		return fmt.Errorf("publisher %q: %w", cfg.ID, err)
	}
	if s == nil {
		return nil
	}
	if err := s.validate(); err != nil {
		return fmt.Errorf("publisher %q: %w", cfg.ID, err)
	}
	return nil
}

// EnabledValue reports whether the entry is enabled; absent means enabled.
func (cfg PublisherConfig) EnabledValue() bool {
	return cfg.Enabled == nil || *cfg.Enabled
}

// ConfigRegistry holds the validated entries of a publishers file.
type ConfigRegistry struct {
	entries []PublisherConfig
	byID    map[string]int
}

// LoadRegistry reads a YAML or JSON publishers file.
func LoadRegistry(path string) (*ConfigRegistry, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("publishers file path is empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read publishers file: %w", err)
	}
	return ParseRegistry(raw, filepath.Ext(path))
}

// ParseRegistry decodes and validates publishers file content. ext selects
// the decoder; anything but ".json" is read as YAML.
func ParseRegistry(data []byte, ext string) (*ConfigRegistry, error) {
	var file struct {
		Publishers []PublisherConfig `json:"publishers" yaml:"publishers"`
	}
	var err error
	if strings.EqualFold(strings.TrimSpace(ext), ".json") {
		err = json.Unmarshal(data, &file)
	} else {
		err = yaml.Unmarshal(data, &file)
	}
	if err != nil {
		return nil, fmt.Errorf("decode publishers: %w", err)
	}
	if len(file.Publishers) == 0 {
		return nil, errors.New("publishers file contains no publishers entries")
	}

	reg := &ConfigRegistry{
		entries: make([]PublisherConfig, 0, len(file.Publishers)),
		byID:    make(map[string]int, len(file.Publishers)),
	}
	for i := range file.Publishers {
		cfg := file.Publishers[i]
		cfg.normalize()
		if err := cfg.validate(); err != nil {
			return nil, fmt.Errorf("publishers[%d]: %w", i, err)
		}
		if _, dup := reg.byID[cfg.ID]; dup {
			return nil, fmt.Errorf("duplicate publisher id %q", cfg.ID)
		}
		reg.byID[cfg.ID] = len(reg.entries)
		reg.entries = append(reg.entries, cfg)
	}
	return reg, nil
}

// ByID returns the entry with the given id.
func (r *ConfigRegistry) ByID(id string) (PublisherConfig, bool) {
	if r == nil {
		return PublisherConfig{}, false
	}
	i, ok := r.byID[strings.TrimSpace(id)]
	if !ok {
		return PublisherConfig{}, false
	}
	return r.entries[i], true
}

// Enabled returns the enabled entries in file order.
func (r *ConfigRegistry) Enabled() []PublisherConfig {
	if r == nil {
		return nil
	}
	out := make([]PublisherConfig, 0, len(r.entries))
	for _, cfg := range r.entries {
		if cfg.EnabledValue() {
			out = append(out, cfg)
		}
	}
	return out
}
