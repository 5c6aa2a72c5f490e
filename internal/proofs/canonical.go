package proofs

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	xerrors "AgentPay-Chain/internal/errors"
)

// hashSeparator 连接规范化载荷与盐，是跨实现约定的一部分，不可更改。
const hashSeparator = "|"

// Hash 计算载荷与盐的规范化摘要。
//
// 载荷为字符串时按原文参与哈希，其余类型先经过 Canonicalize 序列化。
// 摘要为 SHA-256 的小写十六进制表示，固定 64 个字符。盐不能为空，
// 通常传入购买方标识，使哈希与具体交易绑定。
func Hash(payload any, salt string) (string, error) {
	if strings.TrimSpace(salt) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "哈希盐不能为空")
	}
	serialized, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(serialized + hashSeparator + salt))
	return hex.EncodeToString(sum[:]), nil
}

// Canonicalize 将载荷序列化为规范化 JSON 文本。
//
// 规则：映射键在每一层都按字典序排序；不输出多余空白；数字使用
// encoding/json 的最短稳定格式；字符串载荷原样返回，不再二次序列化。
func Canonicalize(payload any) (string, error) {
	if text, ok := payload.(string); ok {
		return text, nil
	}
	var builder strings.Builder
	if err := writeCanonical(&builder, payload); err != nil {
		return "", err
	}
	return builder.String(), nil
}

func writeCanonical(builder *strings.Builder, value any) error {
	switch v := value.(type) {
	case nil:
		builder.WriteString("null")
		return nil
	case bool, string, float32, float64,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return writeScalar(builder, v)
	case json.Number:
		builder.WriteString(v.String())
		return nil
	case map[string]any:
		return writeObject(builder, v)
	case []any:
		return writeArray(builder, v)
	default:
		// 结构体、带类型的映射切片等统一降级为通用形式后再规范化。
		normalized, err := normalize(v)
		if err != nil {
			return err
		}
		return writeCanonical(builder, normalized)
	}
}

func writeScalar(builder *strings.Builder, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "载荷无法序列化")
	}
	builder.Write(encoded)
	return nil
}

func writeObject(builder *strings.Builder, object map[string]any) error {
	keys := make([]string, 0, len(object))
	for key := range object {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	builder.WriteByte('{')
	for idx, key := range keys {
		if idx > 0 {
			builder.WriteByte(',')
		}
		if err := writeScalar(builder, key); err != nil {
			return err
		}
		builder.WriteByte(':')
		if err := writeCanonical(builder, object[key]); err != nil {
			return err
		}
	}
	builder.WriteByte('}')
	return nil
}

func writeArray(builder *strings.Builder, items []any) error {
	builder.WriteByte('[')
	for idx, item := range items {
		if idx > 0 {
			builder.WriteByte(',')
		}
		if err := writeCanonical(builder, item); err != nil {
			return err
		}
	}
	builder.WriteByte(']')
	return nil
}

// normalize 借助 encoding/json 把任意 Go 值转换为 map/slice/Number 组合，
// 数字统一保留为 json.Number，避免浮点往返造成格式漂移。
func normalize(value any) (any, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("载荷类型 %T 无法序列化", value))
	}
	decoder := json.NewDecoder(bytes.NewReader(encoded))
	decoder.UseNumber()
	var normalized any
	if err := decoder.Decode(&normalized); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "载荷规范化失败")
	}
	return normalized, nil
}
