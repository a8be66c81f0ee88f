package logger

import (
	"fmt"
	"sort"
	"strings"
)

// Schema 定义每类事件日志必须携带的字段，便于集中校验。
type Schema struct {
	Event    string
	Required []string
}

var schemas = map[string]Schema{
	"order_event": {
		Event:    "order_event",
		Required: []string{"symbol", "side", "price"},
	},
	"trade_event": {
		Event:    "trade_event",
		Required: []string{"symbol"},
	},
	"risk_event": {
		Event:    "risk_event",
		Required: []string{"symbol", "reason"},
	},
}

// Known 返回所有事件名，便于外部生成文档。
func Known() []string {
	names := make([]string, 0, len(schemas))
	for k := range schemas {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ValidateFields 检查日志字段是否包含 schema 中要求的 key；未登记的事件不校验。
func ValidateFields(event string, fields map[string]interface{}) error {
	s, ok := schemas[event]
	if !ok {
		return nil
	}
	var missing []string
	for _, key := range s.Required {
		if _, exists := fields[key]; !exists {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing fields: %s", strings.Join(missing, ","))
	}
	return nil
}
