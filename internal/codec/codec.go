// Package codec 提供调用载荷的压缩编解码能力。
// 延续载荷与日志批次在进入延续队列或观测存储之前先经 JSON 序列化，
// 再用 gzip 压缩以缩小传输与存储体积。压缩/解压对所有可 JSON 表示的
// 值都是全函数，往返后值相等（键顺序可能丢失）。
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"

	"github.com/oriys/hogflow/internal/domain"
)

// Compress 将任意可 JSON 表示的值序列化并压缩为字节流。
func Compress(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize compressed payload: %w", err)
	}

	return buf.Bytes(), nil
}

// Decompress 解压字节流并反序列化到 out。
// 输入不是合法的压缩帧时返回 *domain.DecodeError，
// 调用方可用 errors.Is(err, domain.ErrDecode) 判断并走死信路径。
func Decompress(data []byte, out any) error {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return &domain.DecodeError{Err: err}
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return &domain.DecodeError{Err: err}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return &domain.DecodeError{Err: err}
	}

	return nil
}
