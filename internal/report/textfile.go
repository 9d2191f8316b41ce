package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"
)

// TextfileInterval is how often RunTextfile rewrites the metrics file
const TextfileInterval = 15 * time.Second

// NewRegistry returns a private registry with the exporter registered
func NewRegistry(exporter *Exporter) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(exporter); err != nil {
		return nil, fmt.Errorf("failed to register exporter: %w", err)
	}
	return reg, nil
}

// WriteTextfile renders g in the Prometheus text format to path. The file
// is replaced atomically so a textfile collector never reads half of it.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	encoder := expfmt.NewEncoder(tmp, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to encode %s: %w", mf.GetName(), err)
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// RunTextfile rewrites path every interval and once more when ctx ends
func RunTextfile(ctx context.Context, path string, g prometheus.Gatherer, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = TextfileInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	write := func() {
		if err := WriteTextfile(path, g); err != nil {
			logger.Warn("failed to write metrics textfile", zap.String("path", path), zap.Error(err))
		}
	}

	write()
	for {
		select {
		case <-ctx.Done():
			write()
			return
		case <-ticker.C:
			write()
		}
	}
}
