package domain

// TerminalOptions is the persisted policy record of one terminal.
type TerminalOptions struct {
	RejectCall          bool     `json:"rejectCall"`
	AllowCall           bool     `json:"allowCall"`
	ReceiveMessage      bool     `json:"receiveMessage"`
	SendMessage         bool     `json:"sendMessage"`
	DeleteMessage       bool     `json:"deleteMessage"`
	ReplyBlockedMessage bool     `json:"replyBlockedMessage"`
	DeliveryReport      bool     `json:"deliveryReport"`
	RequestReply        bool     `json:"requestReply"`
	EmptyWhenFull       bool     `json:"emptyWhenFull"`
	Priority            int      `json:"priority"`
	Group               string   `json:"group,omitempty"`
	Operators           []string `json:"operators"`
}

// DefaultTerminalOptions returns the option set applied to a terminal with
// no persisted configuration.
func DefaultTerminalOptions() TerminalOptions {
	return TerminalOptions{
		RejectCall:          false,
		AllowCall:           true,
		ReceiveMessage:      true,
		SendMessage:         true,
		DeleteMessage:       false,
		ReplyBlockedMessage: false,
		DeliveryReport:      true,
		RequestReply:        false,
		EmptyWhenFull:       false,
		Priority:            0,
		Group:               "",
		Operators:           []string{},
	}
}

// HasOperator reports whether op is in the terminal's authorized set.
func (o TerminalOptions) HasOperator(op string) bool {
	for _, v := range o.Operators {
		if v == op {
			return true
		}
	}
	return false
}

// NetworkInfo is the network metadata a terminal reports via info.
type NetworkInfo struct {
	Country  string `json:"country"`
	Code     string `json:"code"`
	Operator string `json:"operator"`
}

// TerminalInfo is the full info reply.
type TerminalInfo struct {
	Network  NetworkInfo `json:"network"`
	Manufact string      `json:"manufacturer,omitempty"`
	Model    string      `json:"model,omitempty"`
}
