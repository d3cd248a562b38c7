package relay

// serverEvent is the subset of upstream realtime events the relay reads.
// Frames are forwarded as received; this is only for metering.
type serverEvent struct {
	Type         string        `json:"type"`
	EventID      string        `json:"event_id"`
	ItemID       string        `json:"item_id"`
	Session      *eventSession `json:"session"`
	Conversation *struct {
		ID string `json:"id"`
	} `json:"conversation"`
	Response *eventResponse `json:"response"`
	Usage    *usage         `json:"usage"`
}

type eventSession struct {
	ID    string `json:"id"`
	Model string `json:"model"`
}

type eventResponse struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversation_id"`
	Model          string   `json:"model"`
	Modalities     []string `json:"modalities"`
	Usage          *usage   `json:"usage"`
}

type usage struct {
	Type         string  `json:"type"`
	Seconds      float64 `json:"seconds"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
}
