package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	gogithub "github.com/google/go-github/v69/github"

	"github.com/csetera/TuneSyncMQ/internal/httpkit"
)

// ErrNoUpdate is returned by Pull when the latest release matches the
// running version.
var ErrNoUpdate = errors.New("already running the latest release")

// PullerConfig configures a ReleasePuller.
type PullerConfig struct {
	// Repo is "owner/name".
	Repo string
	// Asset is the release asset file name to install.
	Asset string
	Token string
	// BaseURL points at a GitHub Enterprise API root. Empty uses
	// github.com.
	BaseURL string
	// CurrentVersion is compared with the release tag; a match means
	// there is nothing to pull.
	CurrentVersion string
}

// PullResult describes a completed pull.
type PullResult struct {
	Tag   string `json:"tag"`
	Asset string `json:"asset"`
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// ReleasePuller installs release assets from GitHub through the same
// receiver gate and lifecycle reporting as pushed images.
type ReleasePuller struct {
	client   *gogithub.Client
	download *http.Client
	owner    string
	name     string
	cfg      PullerConfig
	receiver *Receiver
	logger   *slog.Logger
}

// NewReleasePuller creates a puller. httpClient is used for both API
// calls and asset downloads; redirected downloads are fetched without
// the API token.
func NewReleasePuller(httpClient *http.Client, cfg PullerConfig, receiver *Receiver, logger *slog.Logger) (*ReleasePuller, error) {
	owner, name, err := splitRepo(cfg.Repo)
	if err != nil {
		return nil, err
	}
	if cfg.Asset == "" {
		return nil, errors.New("release asset name is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := gogithub.NewClient(httpClient)
	if cfg.Token != "" {
		client = client.WithAuthToken(cfg.Token)
	}
	if cfg.BaseURL != "" {
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("set github base URL: %w", err)
		}
	}

	return &ReleasePuller{
		client:   client,
		download: httpClient,
		owner:    owner,
		name:     name,
		cfg:      cfg,
		receiver: receiver,
		logger:   logger,
	}, nil
}

// splitRepo splits a "owner/repo" string into its two parts.
func splitRepo(repo string) (string, string, error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo %q: expected owner/repo", repo)
	}
	return parts[0], parts[1], nil
}

// Pull fetches the latest release and, when its tag differs from the
// running version, downloads the configured asset and stages it as a
// firmware image.
func (p *ReleasePuller) Pull(ctx context.Context) (PullResult, error) {
	rel, resp, err := p.client.Repositories.GetLatestRelease(ctx, p.owner, p.name)
	if err != nil {
		return PullResult{}, fmt.Errorf("get latest release: %w", err)
	}
	checkRateLimit(p.logger, resp)

	tag := rel.GetTagName()
	if tag == p.cfg.CurrentVersion || strings.TrimPrefix(tag, "v") == strings.TrimPrefix(p.cfg.CurrentVersion, "v") {
		p.logger.Debug("no newer release", "tag", tag)
		return PullResult{Tag: tag}, ErrNoUpdate
	}

	var asset *gogithub.ReleaseAsset
	for _, a := range rel.Assets {
		if a.GetName() == p.cfg.Asset {
			asset = a
			break
		}
	}
	if asset == nil {
		return PullResult{Tag: tag}, fmt.Errorf("release %s has no asset %q", tag, p.cfg.Asset)
	}

	p.logger.Info("pulling release", "tag", tag, "asset", asset.GetName(), "size", asset.GetSize())

	var size int64
	path, err := p.receiver.transfer(TargetFirmware, func() (io.ReadCloser, int64, string, error) {
		rc, redirect, err := p.client.Repositories.DownloadReleaseAsset(ctx, p.owner, p.name, asset.GetID(), nil)
		if err != nil {
			return nil, 0, "", fmt.Errorf("download asset %s: %w", asset.GetName(), err)
		}
		if redirect != "" {
			if rc, err = p.fetch(ctx, redirect); err != nil {
				return nil, 0, "", fmt.Errorf("download asset %s: %w", asset.GetName(), err)
			}
		}
		if rc == nil {
			return nil, 0, "", fmt.Errorf("download asset %s: empty response", asset.GetName())
		}
		size = int64(asset.GetSize())
		return rc, size, assetDigest(asset), nil
	})
	if err != nil {
		return PullResult{Tag: tag, Asset: asset.GetName()}, err
	}

	return PullResult{Tag: tag, Asset: asset.GetName(), Path: path, Bytes: size}, nil
}

// fetch follows an asset redirect to its storage URL. The API token is
// not sent there.
func (p *ReleasePuller) fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/octet-stream")
	resp, err := p.download.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(httpkit.ReadErrorBody(resp.Body, 512)))
	}
	return resp.Body, nil
}

// assetDigest returns the hex SHA-256 GitHub publishes for the asset,
// if any.
func assetDigest(a *gogithub.ReleaseAsset) string {
	label := a.GetLabel()
	if sum, ok := strings.CutPrefix(label, "sha256:"); ok {
		return sum
	}
	return ""
}

// checkRateLimit logs a warning when remaining API calls drop low.
func checkRateLimit(logger *slog.Logger, resp *gogithub.Response) {
	if resp == nil {
		return
	}
	if resp.Rate.Limit > 0 && resp.Rate.Remaining < 10 {
		logger.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time,
		)
	}
}
