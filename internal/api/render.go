package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dunamismax/normthumb/internal/pipeline"
)

type renderRequest struct {
	// Data is a JSON array of numeric rows. It is kept raw so that a
	// malformed array reaches the renderer and bypasses instead of failing.
	Data        json.RawMessage `json:"data,omitempty"`
	Source      string          `json:"source,omitempty"`
	Mask        string          `json:"mask,omitempty"`
	ClipRange   json.RawMessage `json:"clip_range,omitempty"`
	LogEnabled  bool            `json:"log"`
	TargetBound int             `json:"target_bound,omitempty"`
	Format      string          `json:"format,omitempty"`
	Quality     int             `json:"quality,omitempty"`
}

type renderStats struct {
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	Channels     int     `json:"channels"`
	GatedPixels  int     `json:"gated_pixels"`
	MaskedPixels int     `json:"masked_pixels"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Degenerate   bool    `json:"degenerate"`
}

type renderResponse struct {
	Image        string          `json:"image,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Format       string          `json:"format,omitempty"`
	Width        int             `json:"width,omitempty"`
	Height       int             `json:"height,omitempty"`
	State        pipeline.State  `json:"state"`
	Bypassed     bool            `json:"bypassed"`
	BypassReason string          `json:"bypass_reason,omitempty"`
	Stats        *renderStats    `json:"stats,omitempty"`
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	var req renderRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	in, err := req.input()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	out, err := s.renderer.Render(r.Context(), in)
	if err != nil {
		s.metrics.renderTotal.WithLabelValues(renderOutcomeFailed).Inc()
		if errors.Is(err, pipeline.ErrLoad) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		s.logger.Printf("inline render failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "render failed"})
		return
	}

	resp := renderResponse{
		State:        out.State,
		Bypassed:     out.Bypassed,
		BypassReason: out.BypassReason,
	}
	if out.Bypassed {
		s.metrics.renderTotal.WithLabelValues(renderOutcomeBypassed).Inc()
		// The caller gets back exactly what it sent.
		if req.Source != "" && !hasJSON(req.Data) {
			resp.Image = req.Source
		} else {
			resp.Data = req.Data
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	s.metrics.renderTotal.WithLabelValues(renderOutcomeRendered).Inc()
	s.metrics.renderDuration.Observe(time.Since(started).Seconds())
	if out.Stats.Degenerate {
		s.metrics.renderDegenerate.Inc()
	}

	resp.Image = pipeline.DataURI(out.Format, out.Data)
	resp.Format = out.Format
	resp.Width = out.Width
	resp.Height = out.Height
	resp.Stats = &renderStats{
		Width:        out.Stats.Width,
		Height:       out.Stats.Height,
		Channels:     out.Stats.Channels,
		GatedPixels:  out.Stats.GatedPixels,
		MaskedPixels: out.Stats.MaskedPixels,
		Min:          out.Stats.Min,
		Max:          out.Stats.Max,
		Degenerate:   out.Stats.Degenerate,
	}
	writeJSON(w, http.StatusOK, resp)
}

// input maps the wire request onto a renderer input. Only transport-level
// problems (bad base64) are errors here; everything about the values
// themselves is left to the renderer.
func (req renderRequest) input() (pipeline.Input, error) {
	in := pipeline.Input{
		LogEnabled:  req.LogEnabled,
		TargetBound: req.TargetBound,
		Format:      req.Format,
		Quality:     req.Quality,
	}

	if hasJSON(req.ClipRange) {
		var clip []float64
		if err := json.Unmarshal(req.ClipRange, &clip); err == nil {
			in.ClipRange = clip
		}
	}

	switch {
	case hasJSON(req.Data):
		in.Data = []byte(req.Data)
	case req.Source != "":
		src, err := pipeline.ParseDataURI(req.Source)
		if err != nil {
			return pipeline.Input{}, err
		}
		in.Source = src
	}

	if req.Mask != "" {
		mask, err := pipeline.ParseDataURI(req.Mask)
		if err != nil {
			return pipeline.Input{}, err
		}
		in.Mask = mask
	}
	return in, nil
}

func hasJSON(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
