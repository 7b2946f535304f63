package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pvallen/gridcast/internal/metrics"
	"github.com/pvallen/gridcast/internal/models"
)

const (
	aemoTimeLayout = "2006/01/02 15:04:05"
	priceBaseURL   = "https://aemo.com.au/aemo/data/nem/priceanddemand"
)

// ReadPrices reads an AEMO "price and demand" CSV and resamples the
// half-hourly settlement prices onto the 15-minute grid: each settlement row
// yields its own timestamp and the timestamp 15 minutes earlier, both at the
// settlement price.
func ReadPrices(path string) ([]models.PriceRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open price csv: %w", err)
	}
	defer f.Close()
	return parsePrices(f)
}

func parsePrices(r io.Reader) ([]models.PriceRecord, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read price header: %w", err)
	}

	dateCol, priceCol := -1, -1
	for i, name := range header {
		switch strings.TrimSpace(name) {
		case "SETTLEMENTDATE":
			dateCol = i
		case "RRP":
			priceCol = i
		}
	}
	if dateCol < 0 || priceCol < 0 {
		return nil, fmt.Errorf("price csv missing SETTLEMENTDATE or RRP column")
	}

	var out []models.PriceRecord
	line := 1
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read price row %d: %w", line, err)
		}
		line++

		ts, err := time.Parse(aemoTimeLayout, strings.Trim(row[dateCol], `"`))
		if err != nil {
			return nil, fmt.Errorf("price row %d: %w", line, err)
		}
		price, err := strconv.ParseFloat(row[priceCol], 64)
		if err != nil {
			return nil, fmt.Errorf("price row %d: %w", line, err)
		}

		out = append(out,
			models.PriceRecord{Timestamp: ts.Add(-15 * time.Minute), Price: price},
			models.PriceRecord{Timestamp: ts, Price: price},
		)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("price csv has no data rows")
	}
	return out, nil
}

// PriceClient downloads monthly AEMO price CSVs. It is only used by the
// fetch-prices command; pipeline runs read prices from disk.
type PriceClient struct {
	baseURL string
	client  *http.Client
}

func NewPriceClient(baseURL string) *PriceClient {
	if baseURL == "" {
		baseURL = priceBaseURL
	}
	return &PriceClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch downloads the CSV for a month (format "200011" style YYYYMM) and
// region (e.g. "VIC1"), retrying transient failures with exponential backoff.
// Client errors other than rate limiting are permanent.
func (p *PriceClient) Fetch(yearMonth, region string) ([]byte, error) {
	url := fmt.Sprintf("%s/PRICE_AND_DEMAND_%s_%s.csv", p.baseURL, yearMonth, region)

	var body []byte
	operation := func() error {
		resp, err := p.client.Get(url)
		if err != nil {
			return fmt.Errorf("fetch prices: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("fetch prices: status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			return backoff.Permanent(fmt.Errorf("fetch prices: status %d: %s", resp.StatusCode, string(b)))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute
	err := backoff.Retry(operation, bo)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.PriceFetchesTotal.WithLabelValues(region, status).Inc()
	if err != nil {
		return nil, err
	}
	return body, nil
}
