package normalize

import (
	"encoding/json"
	"testing"
)

// --- Completion ---------------------------------------------------------------

func TestCompletion_DropsVendorFields(t *testing.T) {
	in := []byte(`{
		"id": "cmpl-1",
		"object": "chat.completion",
		"created": 1700000000,
		"model": "vendor-large-v2",
		"choices": [{
			"index": 0,
			"message": {"role": "assistant", "content": "hello"},
			"matched_stop": 151645,
			"finish_reason": "stop"
		}],
		"usage": {
			"prompt_tokens": 10,
			"completion_tokens": 5,
			"total_tokens": 15,
			"prompt_cache_hits": 3
		},
		"vendor_request_id": "vreq-42"
	}`)

	out, err := Completion(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(out, &top); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if _, ok := top["vendor_request_id"]; ok {
		t.Error("vendor_request_id should have been dropped")
	}

	var choices []map[string]json.RawMessage
	if err := json.Unmarshal(top["choices"], &choices); err != nil {
		t.Fatal(err)
	}
	if _, ok := choices[0]["matched_stop"]; ok {
		t.Error("matched_stop should have been dropped from choice")
	}

	var u map[string]int64
	if err := json.Unmarshal(top["usage"], &u); err != nil {
		t.Fatal(err)
	}
	if len(u) != 3 {
		t.Errorf("usage should have exactly 3 counters, got %d: %v", len(u), u)
	}
	if u["total_tokens"] != 15 {
		t.Errorf("total_tokens = %d, want 15", u["total_tokens"])
	}
}

func TestCompletion_MissingUsageBecomesZeroes(t *testing.T) {
	in := []byte(`{
		"id": "cmpl-2",
		"object": "chat.completion",
		"created": 1700000000,
		"model": "m",
		"choices": []
	}`)

	out, err := Completion(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(out, &top); err != nil {
		t.Fatal(err)
	}
	raw, ok := top["usage"]
	if !ok {
		t.Fatal("usage key must be present")
	}
	var u map[string]int64
	if err := json.Unmarshal(raw, &u); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"prompt_tokens", "completion_tokens", "total_tokens"} {
		if u[k] != 0 {
			t.Errorf("%s = %d, want 0", k, u[k])
		}
	}
}

func TestCompletion_LogprobsAndRefusalAreExplicitNulls(t *testing.T) {
	in := []byte(`{
		"id": "cmpl-3",
		"object": "chat.completion",
		"created": 1,
		"model": "m",
		"choices": [{
			"index": 0,
			"message": {"role": "assistant", "content": "hi"},
			"logprobs": {"tokens": ["hi"]},
			"finish_reason": "stop"
		}]
	}`)

	out, err := Completion(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var top struct {
		Choices []map[string]json.RawMessage `json:"choices"`
	}
	if err := json.Unmarshal(out, &top); err != nil {
		t.Fatal(err)
	}
	if got := string(top.Choices[0]["logprobs"]); got != "null" {
		t.Errorf("logprobs = %s, want null", got)
	}

	var msg map[string]json.RawMessage
	if err := json.Unmarshal(top.Choices[0]["message"], &msg); err != nil {
		t.Fatal(err)
	}
	if got, ok := msg["refusal"]; !ok || string(got) != "null" {
		t.Errorf("refusal = %s (present=%v), want explicit null", got, ok)
	}
}

func TestCompletion_ForcesObjectField(t *testing.T) {
	in := []byte(`{"id":"x","object":"chat_completion","created":1,"model":"m","choices":[]}`)

	out, err := Completion(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var top struct {
		Object string `json:"object"`
	}
	if err := json.Unmarshal(out, &top); err != nil {
		t.Fatal(err)
	}
	if top.Object != "chat.completion" {
		t.Errorf("object = %q, want chat.completion", top.Object)
	}
}

func TestCompletion_PreservesValues(t *testing.T) {
	in := []byte(`{
		"id": "cmpl-keep",
		"object": "chat.completion",
		"created": 1700000123,
		"model": "vendor-large-v2",
		"choices": [{
			"index": 0,
			"message": {"role": "assistant", "content": "exact content"},
			"finish_reason": "length"
		}],
		"usage": {"prompt_tokens": 7, "completion_tokens": 9, "total_tokens": 16}
	}`)

	out, err := Completion(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var c struct {
		ID      string `json:"id"`
		Created int64  `json:"created"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(out, &c); err != nil {
		t.Fatal(err)
	}
	if c.ID != "cmpl-keep" || c.Created != 1700000123 || c.Model != "vendor-large-v2" {
		t.Errorf("identity fields altered: %+v", c)
	}
	if c.Choices[0].Message.Content != "exact content" {
		t.Errorf("content altered: %q", c.Choices[0].Message.Content)
	}
	if c.Choices[0].FinishReason != "length" {
		t.Errorf("finish_reason altered: %q", c.Choices[0].FinishReason)
	}
}

func TestCompletion_MalformedInput(t *testing.T) {
	if _, err := Completion([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed input")
	}
	if _, err := Completion([]byte(`[1,2,3]`)); err == nil {
		t.Error("expected error for non-object input")
	}
}

// --- Chunk --------------------------------------------------------------------

func TestChunk_NullUsageOmitted(t *testing.T) {
	in := []byte(`{
		"id": "c1",
		"object": "chat.completion.chunk",
		"created": 1,
		"model": "m",
		"choices": [{"index":0,"delta":{"content":"hi "},"finish_reason":null}],
		"usage": null,
		"queue_depth": 4
	}`)

	out, err := Chunk(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(out, &top); err != nil {
		t.Fatal(err)
	}
	if _, ok := top["usage"]; ok {
		t.Error("null usage should be omitted entirely")
	}
	if _, ok := top["queue_depth"]; ok {
		t.Error("queue_depth should have been dropped")
	}
}

func TestChunk_PresentUsageKept(t *testing.T) {
	in := []byte(`{
		"id": "c2", "object": "chat.completion.chunk", "created": 1, "model": "m",
		"choices": [],
		"usage": {"prompt_tokens": 1, "completion_tokens": 2, "total_tokens": 3}
	}`)

	out, err := Chunk(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var top struct {
		Usage *struct {
			TotalTokens int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(out, &top); err != nil {
		t.Fatal(err)
	}
	if top.Usage == nil || top.Usage.TotalTokens != 3 {
		t.Errorf("usage not preserved: %+v", top.Usage)
	}
}

func TestChunk_DeltaOmitsAbsentFields(t *testing.T) {
	in := []byte(`{
		"id": "c3", "object": "chat.completion.chunk", "created": 1, "model": "m",
		"choices": [{
			"index": 0,
			"delta": {"content": "word ", "tool_calls": null},
			"matched_stop": 151645,
			"finish_reason": null
		}]
	}`)

	out, err := Chunk(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var top struct {
		Choices []map[string]json.RawMessage `json:"choices"`
	}
	if err := json.Unmarshal(out, &top); err != nil {
		t.Fatal(err)
	}

	var delta map[string]json.RawMessage
	if err := json.Unmarshal(top.Choices[0]["delta"], &delta); err != nil {
		t.Fatal(err)
	}
	if _, ok := delta["role"]; ok {
		t.Error("absent role should not appear in delta")
	}
	if _, ok := delta["tool_calls"]; ok {
		t.Error("null tool_calls should be dropped from delta")
	}
	if string(delta["content"]) != `"word "` {
		t.Errorf("content altered: %s", delta["content"])
	}

	if _, ok := top.Choices[0]["matched_stop"]; ok {
		t.Error("matched_stop should have been dropped from chunk choice")
	}
	if got := string(top.Choices[0]["finish_reason"]); got != "null" {
		t.Errorf("finish_reason = %s, want explicit null", got)
	}
}

func TestChunk_ToolCallsPreservedWhenPresent(t *testing.T) {
	in := []byte(`{
		"id": "c4", "object": "chat.completion.chunk", "created": 1, "model": "m",
		"choices": [{
			"index": 0,
			"delta": {"tool_calls": [{"index":0,"id":"call_1","type":"function","function":{"name":"f","arguments":"{"}}]},
			"finish_reason": null
		}]
	}`)

	out, err := Chunk(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var top struct {
		Choices []struct {
			Delta struct {
				ToolCalls []struct {
					ID string `json:"id"`
				} `json:"tool_calls"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(out, &top); err != nil {
		t.Fatal(err)
	}
	if len(top.Choices[0].Delta.ToolCalls) != 1 || top.Choices[0].Delta.ToolCalls[0].ID != "call_1" {
		t.Errorf("tool_calls not preserved: %+v", top.Choices[0].Delta)
	}
}

func TestChunk_MalformedInput(t *testing.T) {
	if _, err := Chunk([]byte(`{"choices": "oops"`)); err == nil {
		t.Error("expected error for malformed input")
	}
}
