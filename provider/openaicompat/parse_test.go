package openaicompat

import "testing"

func TestParseResponse(t *testing.T) {
	resp := ChatResponse{
		Choices: []Choice{{Message: &ChoiceMessage{
			Content: "reading",
			ToolCalls: []ToolCallRequest{
				{ID: "c1", Function: FunctionCall{Name: "file_read", Arguments: `{"path":"a.go"}`}},
			},
		}}},
		Usage: &Usage{PromptTokens: 7, CompletionTokens: 3},
	}
	content, calls, usage := ParseResponse(resp)
	if content != "reading" || usage.InputTokens != 7 || usage.OutputTokens != 3 {
		t.Errorf("content = %q, usage = %+v", content, usage)
	}
	if len(calls) != 1 || calls[0].ID != "c1" || string(calls[0].Args) != `{"path":"a.go"}` {
		t.Errorf("calls = %+v", calls)
	}
}

func TestParseResponse_EmptyChoices(t *testing.T) {
	content, calls, usage := ParseResponse(ChatResponse{Usage: &Usage{PromptTokens: 1}})
	if content != "" || calls != nil || usage.InputTokens != 1 {
		t.Errorf("ParseResponse = (%q, %v, %+v)", content, calls, usage)
	}
}

func TestParseToolCalls_Arguments(t *testing.T) {
	tests := []struct {
		args, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{``, `{}`},
		{`{"a":`, `"{\"a\":"`},
	}
	for _, tt := range tests {
		got := ParseToolCalls([]ToolCallRequest{{Function: FunctionCall{Name: "x", Arguments: tt.args}}})
		if string(got[0].Args) != tt.want {
			t.Errorf("args %q -> %s, want %s", tt.args, got[0].Args, tt.want)
		}
	}
	if ParseToolCalls(nil) != nil {
		t.Error("empty input should give nil")
	}
}
