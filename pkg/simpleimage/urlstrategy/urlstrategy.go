// Package urlstrategy turns object keys into the public URLs recorded on
// images. It is the only place in the module that builds artifact URLs.
package urlstrategy

import (
	"fmt"
	"net/url"
	"strings"
)

// URLStrategy defines the interface for public URL generation strategies
type URLStrategy interface {
	// PublicURL returns the URL at which the object stored under key is served
	PublicURL(key string) (string, error)
}

// StrategyType represents the type of URL strategy
type StrategyType string

const (
	// StrategyTypeVirtualHost yields https://<bucket>.<host>/<key>
	StrategyTypeVirtualHost StrategyType = "virtual-host"

	// StrategyTypePathStyle yields <endpoint>/<bucket>/<key>, for S3-compatible servers
	StrategyTypePathStyle StrategyType = "path-style"

	// StrategyTypeCDN yields <base>/<key>
	StrategyTypeCDN StrategyType = "cdn"
)

// Config holds configuration for URL strategy creation
type Config struct {
	Type     StrategyType
	Bucket   string // virtual-host and path-style
	Host     string // virtual-host, e.g. "s3.us-east-1.amazonaws.com"
	Region   string // virtual-host, used to derive Host when unset
	Endpoint string // path-style, e.g. "http://localhost:9000"
	BaseURL  string // cdn
}

// New creates a URL strategy based on the configuration
func New(cfg Config) (URLStrategy, error) {
	switch cfg.Type {
	case StrategyTypeVirtualHost, "":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket is required for virtual-host strategy")
		}
		host := cfg.Host
		if host == "" {
			host = S3Host(cfg.Region)
		}
		return NewVirtualHostStrategy(cfg.Bucket, host), nil

	case StrategyTypePathStyle:
		if cfg.Endpoint == "" || cfg.Bucket == "" {
			return nil, fmt.Errorf("endpoint and bucket are required for path-style strategy")
		}
		return NewPathStyleStrategy(cfg.Endpoint, cfg.Bucket), nil

	case StrategyTypeCDN:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("base URL is required for CDN strategy")
		}
		return NewCDNStrategy(cfg.BaseURL), nil

	default:
		return nil, fmt.Errorf("unknown URL strategy type: %s", cfg.Type)
	}
}

// S3Host returns the regional AWS S3 host name.
func S3Host(region string) string {
	if region == "" || region == "us-east-1" {
		return "s3.amazonaws.com"
	}
	return fmt.Sprintf("s3.%s.amazonaws.com", region)
}

// VirtualHostStrategy addresses objects as https://<bucket>.<host>/<key>
type VirtualHostStrategy struct {
	Bucket string
	Host   string
}

func NewVirtualHostStrategy(bucket, host string) *VirtualHostStrategy {
	return &VirtualHostStrategy{Bucket: bucket, Host: strings.Trim(host, "/")}
}

func (s *VirtualHostStrategy) PublicURL(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	return fmt.Sprintf("https://%s.%s/%s", s.Bucket, s.Host, escapeKey(key)), nil
}

// PathStyleStrategy addresses objects as <endpoint>/<bucket>/<key>
type PathStyleStrategy struct {
	Endpoint string
	Bucket   string
}

func NewPathStyleStrategy(endpoint, bucket string) *PathStyleStrategy {
	return &PathStyleStrategy{Endpoint: strings.TrimSuffix(endpoint, "/"), Bucket: bucket}
}

func (s *PathStyleStrategy) PublicURL(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	return fmt.Sprintf("%s/%s/%s", s.Endpoint, s.Bucket, escapeKey(key)), nil
}

// CDNStrategy generates URLs that point directly at a CDN in front of the bucket
type CDNStrategy struct {
	BaseURL string // e.g., "https://cdn.example.com"
}

// NewCDNStrategy creates a new CDN URL strategy
func NewCDNStrategy(baseURL string) *CDNStrategy {
	// Ensure baseURL doesn't have trailing slash
	return &CDNStrategy{BaseURL: strings.TrimSuffix(baseURL, "/")}
}

func (s *CDNStrategy) PublicURL(key string) (string, error) {
	if s.BaseURL == "" {
		return "", fmt.Errorf("CDN base URL not configured")
	}
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	return fmt.Sprintf("%s/%s", s.BaseURL, escapeKey(key)), nil
}

func escapeKey(key string) string {
	parts := strings.Split(strings.TrimPrefix(key, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
