package oracle

import (
	"encoding/json"
	"fmt"
)

const systemPromptBase = `You are a cryptocurrency trading advisor for a paper-trading system. Analyze the provided market data and answer with a single trading verdict.

Your response must be valid JSON with exactly this structure:
{
  "action": "BUY" | "SELL" | "HOLD",
  "confidence": 0-100,
  "entry_price": number,
  "stop_loss": number or null,
  "take_profit_levels": [numbers],
  "position_fraction": 0.0-1.0,
  "risk_level": "low" | "medium" | "high",
  "reasoning": "brief explanation",
  "key_factors": ["strings"]
}

Rules:
- A BUY verdict MUST include a stop_loss strictly below entry_price.
- Respond with HOLD when the evidence is mixed or weak.
- Do not wrap the JSON in markdown code blocks.`

// Strategy profiles tune the acceptance bar the model is told to apply. The
// debug profile exists for controlled testing only and is never a default.
var profilePrompts = map[string]string{
	"conservative": `
Profile: CONSERVATIVE. Only recommend BUY or SELL when multiple independent signals strongly align. Prefer HOLD. Keep confidence below 70 unless the setup is exceptional, and size positions small (position_fraction <= 0.03).`,
	"moderate": `
Profile: MODERATE. Recommend BUY or SELL when the balance of signals clearly favors one side. Use confidence proportional to signal agreement.`,
	"aggressive": `
Profile: AGGRESSIVE. Act on early momentum and sentiment shifts even with partial confirmation, but still respect stop-loss discipline on every BUY.`,
	"debug": `
Profile: DEBUG. Testing mode: treat any directional lean as actionable and avoid HOLD unless signals are exactly neutral.`,
}

func systemPrompt(profile string) string {
	extra, ok := profilePrompts[profile]
	if !ok {
		extra = profilePrompts["moderate"]
	}
	return systemPromptBase + extra
}

func buildUserPrompt(payload Payload) (string, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return fmt.Sprintf("Evaluate this %s opportunity (flagged as %q by the screening layer):\n\n%s",
		payload.Intent, payload.Reason, data), nil
}
