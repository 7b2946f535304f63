package lstm

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Artifact is the JSON model file written by the training script and read
// back for inference. It is never mutated after training completes.
type Artifact struct {
	SiteID    string        `json:"site_id"`
	TrainedAt time.Time     `json:"trained_at"`
	Config    Config        `json:"config"`
	Norm      Normalization `json:"normalization"`
	Weights   weightsJSON   `json:"weights"`
}

type weightsJSON struct {
	In     int         `json:"in"`
	Hidden int         `json:"hidden"`
	Wf     [][]float64 `json:"wf"`
	Wi     [][]float64 `json:"wi"`
	Wc     [][]float64 `json:"wc"`
	Wo     [][]float64 `json:"wo"`
	Bf     []float64   `json:"bf"`
	Bi     []float64   `json:"bi"`
	Bc     []float64   `json:"bc"`
	Bo     []float64   `json:"bo"`
	Wy     []float64   `json:"wy"`
	By     float64     `json:"by"`
}

func denseToRows(d *mat.Dense) [][]float64 {
	r, c := d.Dims()
	rows := make([][]float64, r)
	for i := 0; i < r; i++ {
		rows[i] = make([]float64, c)
		for j := 0; j < c; j++ {
			rows[i][j] = d.At(i, j)
		}
	}
	return rows
}

func rowsToDense(rows [][]float64, r, c int) (*mat.Dense, error) {
	if len(rows) != r {
		return nil, fmt.Errorf("weight matrix has %d rows, want %d", len(rows), r)
	}
	d := mat.NewDense(r, c, nil)
	for i, row := range rows {
		if len(row) != c {
			return nil, fmt.Errorf("weight row %d has %d columns, want %d", i, len(row), c)
		}
		for j, v := range row {
			d.Set(i, j, v)
		}
	}
	return d, nil
}

// Save writes the model artifact to path.
func (m *Model) Save(path string) error {
	a := Artifact{
		SiteID:    m.SiteID,
		TrainedAt: time.Now().UTC(),
		Config:    m.cfg,
		Norm:      m.norm,
		Weights: weightsJSON{
			In:     m.net.in,
			Hidden: m.net.hidden,
			Wf:     denseToRows(m.net.wf),
			Wi:     denseToRows(m.net.wi),
			Wc:     denseToRows(m.net.wc),
			Wo:     denseToRows(m.net.wo),
			Bf:     m.net.bf,
			Bi:     m.net.bi,
			Bc:     m.net.bc,
			Bo:     m.net.bo,
			Wy:     m.net.wy,
			By:     m.net.by,
		},
	}

	b, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	return nil
}

// Load reads a model artifact for inference.
func Load(path string) (*Model, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}

	var a Artifact
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("parse artifact %s: %w", path, err)
	}

	w := a.Weights
	if w.In != a.Config.inputSize() {
		return nil, fmt.Errorf("artifact input size %d does not match feature config (want %d)", w.In, a.Config.inputSize())
	}
	if w.Hidden != a.Config.Hidden {
		return nil, fmt.Errorf("artifact hidden size %d does not match config %d", w.Hidden, a.Config.Hidden)
	}

	z := w.In + w.Hidden
	net := &Network{in: w.In, hidden: w.Hidden, by: w.By}
	if net.wf, err = rowsToDense(w.Wf, w.Hidden, z); err != nil {
		return nil, err
	}
	if net.wi, err = rowsToDense(w.Wi, w.Hidden, z); err != nil {
		return nil, err
	}
	if net.wc, err = rowsToDense(w.Wc, w.Hidden, z); err != nil {
		return nil, err
	}
	if net.wo, err = rowsToDense(w.Wo, w.Hidden, z); err != nil {
		return nil, err
	}
	for name, vec := range map[string][]float64{"bf": w.Bf, "bi": w.Bi, "bc": w.Bc, "bo": w.Bo, "wy": w.Wy} {
		if len(vec) != w.Hidden {
			return nil, fmt.Errorf("artifact %s has %d values, want %d", name, len(vec), w.Hidden)
		}
	}
	net.bf, net.bi, net.bc, net.bo, net.wy = w.Bf, w.Bi, w.Bc, w.Bo, w.Wy

	return &Model{SiteID: a.SiteID, cfg: a.Config, norm: a.Norm, net: net}, nil
}
