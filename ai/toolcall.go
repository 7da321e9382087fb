package ai

import "encoding/json"

type rawToolCall struct {
	Tool string                 `json:"tool"`
	Args map[string]interface{} `json:"args"`
}

// ParseToolCall inspects raw Completer text for the reserved
// `{ "tool": string, "args": map }` shape. A non-match returns
// (nil, false) so the caller treats the text as a terminal answer.
func ParseToolCall(raw string) (*ToolCallRequest, bool) {
	var rtc rawToolCall
	if err := json.Unmarshal([]byte(raw), &rtc); err != nil {
		return nil, false
	}
	if rtc.Tool == "" {
		return nil, false
	}
	return &ToolCallRequest{Tool: rtc.Tool, Args: rtc.Args}, true
}

// DelegateCallArgs is the reserved-tool shape a manager agent emits to
// delegate to a worker.
type DelegateCallArgs struct {
	Agent       string `json:"agent"`
	Task        string `json:"task"`
	Expected    string `json:"expected,omitempty"`
	ContextNote string `json:"context,omitempty"`
}

// ParseDelegateArgs decodes a ToolCallRequest's Args map into DelegateCallArgs.
func ParseDelegateArgs(args map[string]interface{}) (DelegateCallArgs, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return DelegateCallArgs{}, err
	}
	var d DelegateCallArgs
	if err := json.Unmarshal(data, &d); err != nil {
		return DelegateCallArgs{}, err
	}
	return d, nil
}
