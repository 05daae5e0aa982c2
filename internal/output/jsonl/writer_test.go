// Package jsonl 审计日志输出测试
package jsonl

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestWriter_WriteAndClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")

	w, err := NewWriter(path, 100)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	for i := 0; i < 10; i++ {
		if err := w.WriteEvent("test", map[string]int{"i": i}); err != nil {
			t.Fatalf("WriteEvent: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	lines := 0
	for sc.Scan() {
		lines++
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("Unmarshal 第 %d 行: %v", lines, err)
		}
		if rec.Event != "test" {
			t.Fatalf("event=%q, want test", rec.Event)
		}
		if rec.TsUnixNs == 0 {
			t.Fatalf("第 %d 行缺少时间戳", lines)
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if lines != 10 {
		t.Fatalf("lines=%d, want 10", lines)
	}
}

func TestWriter_MapWrappedAsRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")

	w, err := NewWriter(path, 10)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	// 会话控制器以 map 形式投递，写入器负责包装时间戳信封
	if err := w.Write(map[string]any{"event": "state_change", "detail": map[string]string{"to": "connected"}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if rec.Event != "state_change" {
		t.Fatalf("event=%q, want state_change", rec.Event)
	}
	if rec.TsUnixNs == 0 {
		t.Fatal("缺少时间戳")
	}
}

func TestWriter_WriteAfterClose(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(filepath.Join(dir, "journal.jsonl"), 10)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.WriteEvent("late", nil); err == nil {
		t.Fatal("关闭后写入应返回错误")
	}
}
