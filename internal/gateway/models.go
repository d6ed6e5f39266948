// Package gateway - models.go serves the model listings.
//
// Both listings require a valid API key and list canonical ids only; suffix
// and prefix combinations resolve but are not listed. Upgraded-tier models
// appear only while the pool holds an active upgraded credential.
package gateway

import (
	"net/http"

	"github.com/compresr/pool-gateway/internal/models"
	"github.com/compresr/pool-gateway/internal/orchestrator"
)

// OpenAIModel is one entry of GET /v1/models.
type OpenAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// NativeModel is one entry of GET /v1beta/models.
type NativeModel struct {
	Name                       string   `json:"name"`
	Version                    string   `json:"version"`
	DisplayName                string   `json:"displayName"`
	Description                string   `json:"description"`
	InputTokenLimit            int      `json:"inputTokenLimit"`
	OutputTokenLimit           int      `json:"outputTokenLimit"`
	SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
}

func (g *Gateway) handleOpenAIModels(w http.ResponseWriter, r *http.Request) {
	if _, err := g.authenticate(r); err != nil {
		writeAPIError(w, orchestrator.FormatOpenAI, err)
		return
	}

	data := []OpenAIModel{}
	for _, info := range models.List(g.pool.HasActiveUpgraded()) {
		data = append(data, OpenAIModel{ID: info.ID, Object: "model", OwnedBy: "google"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (g *Gateway) handleNativeModels(w http.ResponseWriter, r *http.Request) {
	if _, err := g.authenticate(r); err != nil {
		writeAPIError(w, orchestrator.FormatNative, err)
		return
	}

	list := []NativeModel{}
	for _, info := range models.List(g.pool.HasActiveUpgraded()) {
		list = append(list, NativeModel{
			Name:                       "models/" + info.ID,
			Version:                    "001",
			DisplayName:                info.DisplayName,
			Description:                info.DisplayName + " model",
			InputTokenLimit:            info.InputTokenLimit,
			OutputTokenLimit:           info.OutputTokenLimit,
			SupportedGenerationMethods: []string{methodGenerate, methodStream},
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": list})
}
