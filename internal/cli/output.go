package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// 退出码
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // 同步失败、需要重跑
	ExitCommandError = 2 // 配置错误、参数错误、存储不可用
)

// ExitError 携带退出码的错误
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode 非 ExitError 按 ExitFailure 处理
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter 按 --format 输出 JSON 或文本
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
}

type cliResponse struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Success text 为空时文本模式不输出
func (f *OutputFormatter) Success(data interface{}, text func(w io.Writer)) error {
	if f.Format == "json" {
		return f.writeJSON(cliResponse{Status: "ok", Data: data})
	}
	if text != nil {
		text(f.Writer)
	}
	return nil
}

// Error 输出错误并原样返回，保留退出码
func (f *OutputFormatter) Error(err error) error {
	if f.Format == "json" {
		if werr := f.writeJSON(cliResponse{Status: "error", Error: err.Error()}); werr != nil {
			return werr
		}
		return err
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, "错误: %v\n", err)
	return err
}

func (f *OutputFormatter) writeJSON(v interface{}) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
