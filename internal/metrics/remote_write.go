package metrics

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/snappy"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	"go.uber.org/zap"
)

const remoteWriteBatchSize = 500

// StartRemoteWrite pushes the registry to Mimir every flush interval until ctx
// is cancelled. It returns immediately when no URL is configured.
func (c *Collector) StartRemoteWrite(ctx context.Context, logger *zap.Logger) {
	if c.config.URL == "" {
		logger.Info("Remote write disabled, no Mimir URL configured")
		return
	}

	interval := c.config.FlushInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeToMimir(ctx); err != nil {
				logger.Warn("Remote write failed", zap.Error(err))
			}
		}
	}
}

func (c *Collector) writeToMimir(ctx context.Context) error {
	mfs, err := c.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	series := metricsToSeries(mfs, time.Now())
	if len(series) == 0 {
		return nil
	}

	for i := 0; i < len(series); i += remoteWriteBatchSize {
		end := i + remoteWriteBatchSize
		if end > len(series) {
			end = len(series)
		}
		if err := c.sendBatch(ctx, series[i:end]); err != nil {
			return fmt.Errorf("failed to send batch: %w", err)
		}
	}

	return nil
}

func metricsToSeries(mfs []*dto.MetricFamily, now time.Time) []prompb.TimeSeries {
	var series []prompb.TimeSeries
	ts := now.UnixMilli()

	sample := func(labels []prompb.Label, value float64) prompb.TimeSeries {
		return prompb.TimeSeries{
			Labels:  labels,
			Samples: []prompb.Sample{{Value: value, Timestamp: ts}},
		}
	}

	for _, mf := range mfs {
		for _, m := range mf.Metric {
			labels := make([]prompb.Label, 0, len(m.Label)+2)
			for _, l := range m.Label {
				labels = append(labels, prompb.Label{Name: l.GetName(), Value: l.GetValue()})
			}
			named := func(name string, extra ...prompb.Label) []prompb.Label {
				out := append([]prompb.Label{{Name: "__name__", Value: name}}, labels...)
				return append(out, extra...)
			}

			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				series = append(series, sample(named(mf.GetName()), m.Counter.GetValue()))
			case dto.MetricType_GAUGE:
				series = append(series, sample(named(mf.GetName()), m.Gauge.GetValue()))
			case dto.MetricType_HISTOGRAM:
				hist := m.Histogram
				for _, bucket := range hist.Bucket {
					le := prompb.Label{Name: "le", Value: fmt.Sprintf("%g", bucket.GetUpperBound())}
					series = append(series, sample(named(mf.GetName()+"_bucket", le), float64(bucket.GetCumulativeCount())))
				}
				inf := prompb.Label{Name: "le", Value: "+Inf"}
				series = append(series,
					sample(named(mf.GetName()+"_bucket", inf), float64(hist.GetSampleCount())),
					sample(named(mf.GetName()+"_sum"), hist.GetSampleSum()),
					sample(named(mf.GetName()+"_count"), float64(hist.GetSampleCount())),
				)
			}
		}
	}

	return series
}

func (c *Collector) sendBatch(ctx context.Context, series []prompb.TimeSeries) error {
	req := &prompb.WriteRequest{Timeseries: series}

	data, err := req.Marshal()
	if err != nil {
		return err
	}
	compressed := snappy.Encode(nil, data)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL+"/api/v1/push", bytes.NewReader(compressed))
	if err != nil {
		return err
	}

	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if c.config.TenantHeader != "" && c.config.TenantID != "" {
		httpReq.Header.Set(c.config.TenantHeader, c.config.TenantID)
	}
	if c.config.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("remote write failed: %s", resp.Status)
	}
	return nil
}
