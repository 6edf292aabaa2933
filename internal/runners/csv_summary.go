package runners

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"experiment-worker/internal/experiment"
)

const ctxCheckInterval = 1000

// CSVSummaryRunner treats the first record of the input as a header and
// reports row and column counts plus statistics for every column whose
// non-empty cells are all numbers.
type CSVSummaryRunner struct{}

func NewCSVSummaryRunner() *CSVSummaryRunner {
	return &CSVSummaryRunner{}
}

type columnStats struct {
	count      int
	min, max   float64
	sum        float64
	nonNumeric bool
}

func (c *columnStats) add(cell string) {
	cell = strings.TrimSpace(cell)
	if cell == "" || c.nonNumeric {
		return
	}

	v, err := strconv.ParseFloat(cell, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		c.nonNumeric = true
		return
	}

	if c.count == 0 || v < c.min {
		c.min = v
	}
	if c.count == 0 || v > c.max {
		c.max = v
	}
	c.sum += v
	c.count++
}

func (r *CSVSummaryRunner) Run(ctx context.Context, inputPath string) (experiment.ExperimentResult, error) {
	file, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open input %s: %w", inputPath, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("input %s has no header row", inputPath)
		}
		return nil, fmt.Errorf("failed to read header of %s: %w", inputPath, err)
	}
	header = append([]string(nil), header...)

	stats := make([]columnStats, len(header))

	rows := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", inputPath, err)
		}

		rows++
		if rows%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		for i := 0; i < len(record) && i < len(stats); i++ {
			stats[i].add(record[i])
		}
	}

	numeric := map[string]any{}
	for i, col := range stats {
		if col.nonNumeric || col.count == 0 {
			continue
		}
		numeric[header[i]] = map[string]any{
			"count": col.count,
			"min":   col.min,
			"max":   col.max,
			"mean":  col.sum / float64(col.count),
		}
	}

	return experiment.ExperimentResult{
		"rows":    rows,
		"columns": len(header),
		"header":  header,
		"numeric": numeric,
	}, nil
}
