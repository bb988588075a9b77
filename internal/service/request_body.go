package service

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// RequestBody 聊天补全请求体的类型化视图。
// Raw 保留原始字节：会话指纹对全文计算，metadata 探测走 gjson，
// 避免为动态字段定义完整 schema。
type RequestBody struct {
	Model    string    `json:"model"`
	Stream   bool      `json:"stream"`
	Messages []Message `json:"messages"`

	Raw []byte `json:"-"`
}

// Message 单条消息。Content 兼容字符串与结构化 content block 数组两种形态。
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

func (m *Message) IsSystem() bool { return strings.EqualFold(m.Role, "system") }
func (m *Message) IsUser() bool   { return strings.EqualFold(m.Role, "user") }

// MessageContent 是 string | []ContentPart 的联合类型。
type MessageContent struct {
	Text  string
	Parts []ContentPart
	// isText 区分「空字符串内容」与「未设置」。
	isText bool
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*c = MessageContent{}
		return nil
	}
	if strings.HasPrefix(trimmed, "\"") {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = MessageContent{Text: s, isText: true}
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	*c = MessageContent{Parts: parts}
	return nil
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.isText {
		return json.Marshal(c.Text)
	}
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return []byte("null"), nil
}

// IsEmpty 内容为空：无文本且无 block。
func (c MessageContent) IsEmpty() bool {
	if c.isText {
		return c.Text == ""
	}
	return len(c.Parts) == 0
}

// ContentPart 消息内容块的 tagged union：text | tool_use | tool_result | image。
// 未识别的块保留原始 JSON，序列化时走规范化 JSON 兜底。
type ContentPart struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	raw json.RawMessage
}

type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

func (p *ContentPart) UnmarshalJSON(data []byte) error {
	type alias ContentPart
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = ContentPart(a)
	p.raw = append(json.RawMessage(nil), data...)
	return nil
}

// hashableString 返回内容块的确定性序列化，供摘要单元哈希使用。
// 同样的块必须得到同样的字符串，与字段在 JSON 中的顺序无关。
func (p *ContentPart) hashableString() string {
	switch p.Type {
	case "text":
		return "text:" + p.Text
	case "tool_use":
		return "tool_use:" + p.ID + ":" + p.Name + ":" + canonicalJSON(p.Input)
	case "tool_result":
		return "tool_result:" + p.ToolUseID + ":" + canonicalJSON(p.Content)
	case "image":
		if p.Source != nil {
			return "image:" + p.Source.Type + ":" + p.Source.MediaType + ":" + p.Source.Data + p.Source.URL
		}
		return "image:"
	default:
		// 未知块类型：规范化整个原始 JSON，保证跨版本稳定。
		return p.Type + ":" + canonicalJSON(p.raw)
	}
}

// canonicalJSON 重排 key 后的紧凑 JSON（encoding/json 对 map key 升序输出）。
func canonicalJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(value)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// ParseRequestBody 解析请求体并保留原始字节。
func ParseRequestBody(raw []byte) (*RequestBody, error) {
	body := &RequestBody{}
	if err := json.Unmarshal(raw, body); err != nil {
		return nil, fmt.Errorf("parse request body: %w", err)
	}
	body.Raw = append([]byte(nil), raw...)
	return body, nil
}

// hashableContent 第 i 条（非 system 相对序号）消息参与哈希的内容。
// 空内容使用带下标的盐值，避免多条空消息哈希碰撞。
func (m *Message) hashableContent(index int) string {
	if m.Content.IsEmpty() {
		return fmt.Sprintf("__empty_message_%d__", index)
	}
	if m.Content.isText {
		return m.Content.Text
	}
	parts := make([]string, 0, len(m.Content.Parts))
	for i := range m.Content.Parts {
		parts = append(parts, m.Content.Parts[i].hashableString())
	}
	return strings.Join(parts, "\n")
}

// 显式续接标记。命中任意一个即认为会话不是全新的。
var resumeIndicatorPaths = []string{
	"metadata.resume",
	"metadata.isResume",
	"conversation_id",
	"session_id",
	"metadata.conversation_id",
	"metadata.session_id",
}

// HasResumeIndicator 探测请求体里的显式续接标记。
func (b *RequestBody) HasResumeIndicator() bool {
	if b == nil || len(b.Raw) == 0 {
		return false
	}
	for _, path := range resumeIndicatorPaths {
		value := gjson.GetBytes(b.Raw, path)
		if !value.Exists() {
			continue
		}
		switch value.Type {
		case gjson.True:
			return true
		case gjson.String:
			if strings.TrimSpace(value.Str) != "" {
				return true
			}
		case gjson.False, gjson.Null:
			continue
		default:
			return true
		}
	}
	sessionType := gjson.GetBytes(b.Raw, "metadata.sessionType").String()
	switch strings.ToLower(strings.TrimSpace(sessionType)) {
	case "resume", "existing":
		return true
	}
	return false
}

// ExplicitSessionID 返回调用方显式携带的会话标识。
// 优先 conversation_id / session_id，其次 metadata.user_id。
func (b *RequestBody) ExplicitSessionID() string {
	if b == nil || len(b.Raw) == 0 {
		return ""
	}
	for _, path := range []string{"conversation_id", "session_id", "metadata.conversation_id", "metadata.session_id", "metadata.user_id"} {
		if value := strings.TrimSpace(gjson.GetBytes(b.Raw, path).String()); value != "" {
			return value
		}
	}
	return ""
}

// HasAssistantTurns 是否存在非 user 非 system 的历史消息。
// 有 assistant / tool 回合说明会话必然不是第一轮。
func (b *RequestBody) HasAssistantTurns() bool {
	if b == nil {
		return false
	}
	for i := range b.Messages {
		m := &b.Messages[i]
		if m.IsSystem() || m.IsUser() {
			continue
		}
		return true
	}
	return false
}
