package storage

import (
	"encoding/base64"
	"encoding/json"
	"maps"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/bytedance/sonic"

	"github.com/emllm/port/internal/shared/types"
	"github.com/emllm/port/internal/shared/utils"
)

const (
	FormatJSON = "json"
	FormatZstd = "zstd+base64"

	defaultSearchLimit = 100
)

func (p *Provider) validateKey(key string) error {
	if len(key) > p.cfg.MaxKeyLength {
		return types.Errorf(types.CodeValidation, "key exceeds %d bytes", p.cfg.MaxKeyLength)
	}
	return nil
}

func (p *Provider) encodeValue(value interface{}) (json.RawMessage, error) {
	raw, err := sonic.ConfigDefault.Marshal(value)
	if err != nil {
		return nil, types.Errorf(types.CodeValidation, "value is not JSON-serializable: %v", err)
	}
	if int64(len(raw)) > p.cfg.MaxValueSize {
		return nil, types.Errorf(types.CodeQuotaExceeded, "value of %d bytes exceeds max value size %d", len(raw), p.cfg.MaxValueSize).
			WithDetail("size", len(raw)).
			WithDetail("maxValueSize", p.cfg.MaxValueSize)
	}
	return raw, nil
}

func (p *Provider) quotaError(st *appStore, projected int64) *types.Error {
	return types.Errorf(types.CodeQuotaExceeded, "storage quota exceeded: %d of %d bytes", projected, p.cfg.MaxQuota).
		WithDetail("bytesUsed", st.bytesUsed).
		WithDetail("projected", projected).
		WithDetail("quota", p.cfg.MaxQuota)
}

func (p *Provider) getItem(st *appStore, params map[string]interface{}) (map[string]interface{}, error) {
	key, err := utils.GetString(params, "key", true)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	raw, ok := st.items[key]
	st.mu.Unlock()

	if !ok {
		return map[string]interface{}{"key": key, "value": nil, "found": false}, nil
	}
	var value interface{}
	if err := sonic.Unmarshal(raw, &value); err != nil {
		return nil, types.Errorf(types.CodeInternal, "decode %s: %v", key, err)
	}
	return map[string]interface{}{"key": key, "value": value, "found": true}, nil
}

func (p *Provider) setItem(st *appStore, params map[string]interface{}) (map[string]interface{}, error) {
	key, err := utils.GetString(params, "key", true)
	if err != nil {
		return nil, err
	}
	if err := p.validateKey(key); err != nil {
		return nil, err
	}
	value, ok := params["value"]
	if !ok {
		return nil, types.NewError(types.CodeValidation, "value parameter required")
	}
	raw, err := p.encodeValue(value)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	old, had := st.items[key]
	var oldSize int64
	if had {
		oldSize = itemSize(key, old)
	}
	newSize := itemSize(key, raw)
	projected := st.bytesUsed - oldSize + newSize
	if projected > p.cfg.MaxQuota {
		return nil, p.quotaError(st, projected)
	}

	prevBytes := st.bytesUsed
	st.items[key] = raw
	st.bytesUsed = projected
	if err := st.persistLocked(); err != nil {
		if had {
			st.items[key] = old
		} else {
			delete(st.items, key)
		}
		st.bytesUsed = prevBytes
		return nil, types.Errorf(types.CodeInternal, "persist storage: %v", err)
	}

	return map[string]interface{}{
		"key":       key,
		"size":      newSize,
		"bytesUsed": st.bytesUsed,
	}, nil
}

func (p *Provider) removeItem(st *appStore, params map[string]interface{}) (map[string]interface{}, error) {
	key, err := utils.GetString(params, "key", true)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	old, ok := st.items[key]
	if !ok {
		return map[string]interface{}{"key": key, "removed": false, "bytesUsed": st.bytesUsed}, nil
	}

	delete(st.items, key)
	st.bytesUsed -= itemSize(key, old)
	if err := st.persistLocked(); err != nil {
		st.items[key] = old
		st.bytesUsed += itemSize(key, old)
		return nil, types.Errorf(types.CodeInternal, "persist storage: %v", err)
	}
	return map[string]interface{}{"key": key, "removed": true, "bytesUsed": st.bytesUsed}, nil
}

func (p *Provider) clear(st *appStore) (map[string]interface{}, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	count := len(st.items)
	if err := st.commitLocked(make(map[string]json.RawMessage), 0); err != nil {
		return nil, types.Errorf(types.CodeInternal, "persist storage: %v", err)
	}
	return map[string]interface{}{"cleared": count}, nil
}

func (p *Provider) keys(st *appStore) (map[string]interface{}, error) {
	st.mu.Lock()
	keys := st.sortedKeysLocked()
	st.mu.Unlock()

	return map[string]interface{}{"keys": keys, "count": len(keys)}, nil
}

func (p *Provider) search(st *appStore, params map[string]interface{}) (map[string]interface{}, error) {
	pattern, err := utils.GetString(params, "pattern", false)
	if err != nil {
		return nil, err
	}
	query, err := utils.GetString(params, "query", false)
	if err != nil {
		return nil, err
	}
	if pattern == "" && query == "" {
		return nil, types.NewError(types.CodeValidation, "pattern or query required")
	}
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return nil, types.Errorf(types.CodeValidation, "invalid pattern: %s", pattern)
	}
	limitF, err := utils.GetNumber(params, "limit", false)
	if err != nil {
		return nil, err
	}
	limit := int(limitF)
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	query = strings.ToLower(query)

	st.mu.Lock()
	defer st.mu.Unlock()

	results := make([]map[string]interface{}, 0)
	for _, key := range st.sortedKeysLocked() {
		if len(results) >= limit {
			break
		}
		raw := st.items[key]
		if pattern != "" {
			if ok, _ := doublestar.Match(pattern, key); !ok {
				continue
			}
		}
		if query != "" && !strings.Contains(strings.ToLower(string(raw)), query) {
			continue
		}
		var value interface{}
		if err := sonic.Unmarshal(raw, &value); err != nil {
			continue
		}
		results = append(results, map[string]interface{}{
			"key":   key,
			"value": value,
			"size":  itemSize(key, raw),
		})
	}
	return map[string]interface{}{"results": results, "count": len(results)}, nil
}

func (p *Provider) export(st *appStore, params map[string]interface{}) (map[string]interface{}, error) {
	compress := utils.GetBool(params, "compress", true)

	st.mu.Lock()
	data, err := sonic.ConfigDefault.Marshal(st.items)
	count := len(st.items)
	st.mu.Unlock()
	if err != nil {
		return nil, types.Errorf(types.CodeInternal, "encode export: %v", err)
	}

	result := map[string]interface{}{
		"itemCount": count,
		"bytes":     len(data),
	}
	if compress {
		result["format"] = FormatZstd
		result["data"] = base64.StdEncoding.EncodeToString(p.encoder.EncodeAll(data, nil))
	} else {
		result["format"] = FormatJSON
		result["data"] = string(data)
	}
	return result, nil
}

func (p *Provider) importItems(st *appStore, params map[string]interface{}) (map[string]interface{}, error) {
	payload, err := utils.GetString(params, "data", true)
	if err != nil {
		return nil, err
	}
	format, err := utils.GetString(params, "format", false)
	if err != nil {
		return nil, err
	}
	mode, err := utils.GetString(params, "mode", false)
	if err != nil {
		return nil, err
	}
	if mode == "" {
		mode = "merge"
	}
	if mode != "merge" && mode != "replace" {
		return nil, types.Errorf(types.CodeValidation, "invalid mode: %s", mode)
	}

	data, err := p.decodePayload(payload, format)
	if err != nil {
		return nil, err
	}

	var incoming map[string]json.RawMessage
	if err := sonic.Unmarshal(data, &incoming); err != nil {
		return nil, types.Errorf(types.CodeValidation, "import payload is not a JSON object: %v", err)
	}

	// Normalize every value through the same encoder setItem uses
	normalized := make(map[string]json.RawMessage, len(incoming))
	for key, raw := range incoming {
		if key == "" {
			return nil, types.NewError(types.CodeValidation, "import contains an empty key")
		}
		if err := p.validateKey(key); err != nil {
			return nil, err
		}
		var value interface{}
		if err := sonic.Unmarshal(raw, &value); err != nil {
			return nil, types.Errorf(types.CodeValidation, "invalid value for %s: %v", key, err)
		}
		enc, err := p.encodeValue(value)
		if err != nil {
			return nil, err
		}
		normalized[key] = enc
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	items := make(map[string]json.RawMessage, len(st.items)+len(normalized))
	if mode == "merge" {
		maps.Copy(items, st.items)
	}
	maps.Copy(items, normalized)

	var projected int64
	for k, v := range items {
		projected += itemSize(k, v)
	}
	if projected > p.cfg.MaxQuota {
		return nil, p.quotaError(st, projected)
	}

	if err := st.commitLocked(items, projected); err != nil {
		return nil, types.Errorf(types.CodeInternal, "persist storage: %v", err)
	}
	return map[string]interface{}{
		"imported":  len(normalized),
		"itemCount": len(st.items),
		"bytesUsed": st.bytesUsed,
	}, nil
}

func (p *Provider) decodePayload(payload, format string) ([]byte, error) {
	if format == "" {
		if strings.HasPrefix(strings.TrimSpace(payload), "{") {
			format = FormatJSON
		} else {
			format = FormatZstd
		}
	}

	switch format {
	case FormatJSON:
		return []byte(payload), nil
	case FormatZstd:
		compressed, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, types.Errorf(types.CodeValidation, "invalid base64: %v", err)
		}
		data, err := p.decoder.DecodeAll(compressed, nil)
		if err != nil {
			return nil, types.Errorf(types.CodeValidation, "invalid zstd payload: %v", err)
		}
		return data, nil
	default:
		return nil, types.Errorf(types.CodeValidation, "unknown format: %s", format)
	}
}
