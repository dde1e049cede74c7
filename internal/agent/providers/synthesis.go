package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/ike1112/travel-agent/config"
	"github.com/ike1112/travel-agent/internal/agent"
)

const synthesisSystemPrompt = `You are a travel research assistant. Write a concise, well-structured trip
recommendation from the research sections you are given. Cover flights, lodging,
weather and local activities when data is present. When a section is marked
unavailable, say so plainly instead of inventing details. Mention the total
estimated cost against the traveller's budget when flight prices are known.`

// SynthesisCapability turns the settled branch sections into a single
// recommendation narrative via a chat-completion call.
type SynthesisCapability struct {
	cfg    config.SummarizerConfig
	client *http.Client
}

// NewSynthesisCapability builds the narrative adapter.
func NewSynthesisCapability(cfg config.SummarizerConfig) *SynthesisCapability {
	return &SynthesisCapability{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (s *SynthesisCapability) ID() string { return agent.CapabilitySynthesis }

func (s *SynthesisCapability) Execute(ctx context.Context, input agent.Input) (agent.Output, error) {
	if s.cfg.APIKey == "" {
		return agent.Output{}, fmt.Errorf("summarizer api key not configured")
	}

	prompt, available := buildSynthesisPrompt(input)
	if available == 0 {
		return agent.Output{Empty: true, Reason: "no research sections available to summarize"}, nil
	}

	reqBody := map[string]interface{}{
		"model":      s.cfg.Model,
		"max_tokens": s.cfg.MaxTokens,
		"messages": []map[string]string{
			{"role": "system", "content": synthesisSystemPrompt},
			{"role": "user", "content": prompt},
		},
	}
	headers := map[string]string{"Authorization": "Bearer " + s.cfg.APIKey}
	var payload struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	endpoint := strings.TrimRight(s.cfg.BaseURL, "/") + "/chat/completions"
	if err := doJSON(ctx, s.client, http.MethodPost, endpoint, headers, reqBody, &payload); err != nil {
		return agent.Output{}, err
	}
	if len(payload.Choices) == 0 || payload.Choices[0].Message.Content == "" {
		return agent.Output{}, agent.Transient(fmt.Errorf("summarizer returned no choices"))
	}

	return agent.Output{Data: map[string]interface{}{
		"narrative":          payload.Choices[0].Message.Content,
		"sections_available": available,
	}}, nil
}

// buildSynthesisPrompt serializes each settled section, substituting an
// explicit unavailable marker for branches that produced nothing.
func buildSynthesisPrompt(input agent.Input) (string, int) {
	req := input.Request
	var b strings.Builder
	fmt.Fprintf(&b, "Trip request: %s to %s, departing %s", req.OriginCity, req.Destination, req.Dates.Departure)
	if req.Dates.Return != "" {
		fmt.Fprintf(&b, ", returning %s", req.Dates.Return)
	}
	if req.BudgetCAD > 0 {
		fmt.Fprintf(&b, ", budget %.0f CAD", req.BudgetCAD)
	}
	if n := input.Prefs.Fields.TravellerCount; n > 1 {
		fmt.Fprintf(&b, ", %d travellers", n)
	}
	b.WriteString(".\n")
	for key, value := range input.Prefs.Fields.Framing {
		fmt.Fprintf(&b, "Tone hint (%s): %s\n", key, value)
	}
	b.WriteString("\nResearch sections:\n")

	names := make([]string, 0, len(input.Sections))
	for name := range input.Sections {
		names = append(names, name)
	}
	sort.Strings(names)

	available := 0
	for _, name := range names {
		res := input.Sections[name]
		switch {
		case res.Status == agent.StatusSuccess && res.Data != nil:
			available++
			blob, err := json.Marshal(res.Data)
			if err != nil {
				blob = []byte(fmt.Sprintf("%v", res.Data))
			}
			fmt.Fprintf(&b, "## %s\n%s\n", name, blob)
		case res.Status == agent.StatusEmpty:
			fmt.Fprintf(&b, "## %s\nunavailable: %s\n", name, res.Reason)
		default:
			fmt.Fprintf(&b, "## %s\nunavailable: research for this section did not complete\n", name)
		}
	}
	return b.String(), available
}
