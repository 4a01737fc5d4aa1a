package migration

import (
	"bytes"
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"

	"github.com/kaptinlin/jsonrepair"
	"github.com/spf13/cast"
	"gorm.io/datatypes"

	"github.com/ashwinyue/next-chatlog/internal/errs"
	"github.com/ashwinyue/next-chatlog/internal/model"
	"github.com/ashwinyue/next-chatlog/internal/service/usage"
)

// 有专用列的旧版字段，其余字段进入 meta
var knownKeys = map[string]bool{
	"id":              true,
	"parentId":        true,
	"childrenIds":     true,
	"role":            true,
	"content":         true,
	"model":           true,
	"selectedModelId": true,
	"timestamp":       true,
	"usage":           true,
	"statusHistory":   true,
	"annotation":      true,
	"feedbackId":      true,
	"files":           true,
}

// parseBlob 解析旧版会话 JSON，失败时先尝试修复
func parseBlob(raw []byte) (map[string]interface{}, error) {
	blob, err := decodeObject(raw)
	if err == nil {
		return blob, nil
	}
	repaired, rerr := jsonrepair.JSONRepair(string(raw))
	if rerr != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecode, err)
	}
	blob, err = decodeObject([]byte(repaired))
	if err != nil {
		return nil, fmt.Errorf("%w: repaired blob: %v", errs.ErrDecode, err)
	}
	return blob, nil
}

func decodeObject(raw []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var blob map[string]interface{}
	if err := dec.Decode(&blob); err != nil {
		return nil, err
	}
	if blob == nil {
		return map[string]interface{}{}, nil
	}
	return blob, nil
}

// historyMessages 返回 history.messages 映射（与 blob 共享，可原地修改）
func historyMessages(blob map[string]interface{}) (map[string]interface{}, string) {
	history, ok := blob["history"].(map[string]interface{})
	if !ok {
		return nil, ""
	}
	msgs, _ := history["messages"].(map[string]interface{})
	return msgs, cast.ToString(history["currentId"])
}

// legacyNode 旧版历史中的一条消息
type legacyNode struct {
	id          string
	parentID    string
	childrenIDs []string
	timestamp   int64
	fields      map[string]interface{}
	position    int
}

// collectNodes 读取消息映射并计算兄弟序号
// 父消息不在映射中或指向自身的节点视为根
func collectNodes(msgs map[string]interface{}) []*legacyNode {
	byID := make(map[string]*legacyNode, len(msgs))
	for key, v := range msgs {
		fields, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		id := cast.ToString(fields["id"])
		if id == "" {
			id = key
		}
		byID[id] = &legacyNode{
			id:          id,
			parentID:    cast.ToString(fields["parentId"]),
			childrenIDs: cast.ToStringSlice(fields["childrenIds"]),
			timestamp:   epochSeconds(fields["timestamp"]),
			fields:      fields,
		}
	}

	groups := make(map[string][]*legacyNode)
	for _, n := range byID {
		if _, ok := byID[n.parentID]; !ok || n.parentID == n.id {
			n.parentID = ""
		}
		groups[n.parentID] = append(groups[n.parentID], n)
	}

	nodes := make([]*legacyNode, 0, len(byID))
	for parentID, siblings := range groups {
		childIndex := map[string]int{}
		if parent, ok := byID[parentID]; ok {
			for i, id := range parent.childrenIDs {
				if _, seen := childIndex[id]; !seen {
					childIndex[id] = i
				}
			}
		}
		indexOf := func(id string) int {
			if i, ok := childIndex[id]; ok {
				return i
			}
			return math.MaxInt
		}
		slices.SortFunc(siblings, func(a, b *legacyNode) int {
			return cmpOr(
				cmp.Compare(a.timestamp, b.timestamp),
				cmp.Compare(indexOf(a.id), indexOf(b.id)),
				cmp.Compare(a.id, b.id),
			)
		})
		for i, n := range siblings {
			n.position = i
		}
		nodes = append(nodes, siblings...)
	}

	// 父在前，便于顺序写入
	slices.SortFunc(nodes, func(a, b *legacyNode) int {
		return cmpOr(
			cmp.Compare(a.timestamp, b.timestamp),
			cmp.Compare(depth(byID, a), depth(byID, b)),
			cmp.Compare(a.position, b.position),
			cmp.Compare(a.id, b.id),
		)
	})
	return nodes
}

func depth(byID map[string]*legacyNode, n *legacyNode) int {
	d := 0
	for cur := n; cur.parentID != "" && d <= len(byID); d++ {
		cur = byID[cur.parentID]
	}
	return d
}

// epochSeconds 旧版时间戳可能是毫秒
func epochSeconds(v interface{}) int64 {
	var f float64
	switch t := v.(type) {
	case nil:
		return 0
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0
		}
		f = parsed
	default:
		parsed, err := cast.ToFloat64E(t)
		if err != nil {
			return 0
		}
		f = parsed
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return 0
	}
	if f > 1e12 {
		f /= 1000
	}
	return int64(f)
}

// toMessage 把旧版节点转换为消息行
func toMessage(chat *model.Chat, n *legacyNode) *model.Message {
	f := n.fields
	position := n.position
	msg := &model.Message{
		ID:              n.id,
		ChatID:          chat.ID,
		Position:        &position,
		Role:            cast.ToString(f["role"]),
		ModelID:         cast.ToString(f["model"]),
		SelectedModelID: cast.ToString(f["selectedModelId"]),
		Content:         legacyContent(f["content"]),
		Status:          rawJSON(f["statusHistory"]),
		Usage:           legacyUsage(f["usage"]),
		Annotation:      rawJSON(f["annotation"]),
		CreatedAt:       n.timestamp,
	}
	if n.parentID != "" {
		parentID := n.parentID
		msg.ParentID = &parentID
	}
	if msg.Role == "" {
		msg.Role = model.RoleUser
		if msg.ModelID != "" {
			msg.Role = model.RoleAssistant
		}
	}
	if fb := cast.ToString(f["feedbackId"]); fb != "" {
		msg.FeedbackID = &fb
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = chat.CreatedAt
	}
	msg.UpdatedAt = msg.CreatedAt

	facts := usage.Extract(usage.Decode(msg.Usage))
	msg.Cost = facts.Cost
	msg.InputTokens = facts.Input
	msg.OutputTokens = facts.Output
	msg.ReasoningTokens = facts.Reasoning

	meta := map[string]interface{}{}
	for k, v := range f {
		if !knownKeys[k] {
			meta[k] = v
		}
	}
	if len(meta) > 0 {
		msg.Meta = rawJSON(meta)
	}
	return msg
}

func legacyContent(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return cast.ToString(t)
		}
		return string(b)
	}
}

// legacyUsage 规范化 usage，兼容被编码成字符串的负载
func legacyUsage(v interface{}) datatypes.JSON {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	payload := usage.Decode(raw)
	if payload == nil {
		return nil
	}
	return rawJSON(payload)
}

func rawJSON(v interface{}) datatypes.JSON {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

// legacyFiles 返回消息的文件列表（元素与 blob 共享）
func legacyFiles(fields map[string]interface{}) []map[string]interface{} {
	items, ok := fields["files"].([]interface{})
	if !ok {
		return nil
	}
	files := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]interface{}); ok {
			files = append(files, m)
		}
	}
	return files
}

// attachmentID 由消息 ID 与文件下标派生，重跑时命中同一行
func attachmentID(messageID string, index int) string {
	sum := sha256.Sum256([]byte(messageID + ":" + strconv.Itoa(index)))
	return hex.EncodeToString(sum[:])
}

func stringOr(v interface{}, fallback string) string {
	if s := cast.ToString(v); s != "" {
		return s
	}
	return fallback
}

func numberOr(v interface{}) int64 {
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i
		}
		f, _ := n.Float64()
		return int64(f)
	}
	return cast.ToInt64(v)
}

// cmpOr mirrors cmp.Or (Go 1.22+): returns the first non-zero argument.
func cmpOr[T comparable](vals ...T) T {
	var zero T
	for _, v := range vals {
		if v != zero {
			return v
		}
	}
	return zero
}
