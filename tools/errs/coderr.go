package errs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// 错误码（与 HTTP 语义对齐，便于客户端统一处理）
const (
	CodeBadRequest        = 400
	CodeUnauthorized      = 401
	CodePermissionDenied  = 403
	CodeNotFound          = 404
	CodeTargetUnavailable = 410
	CodeInternal          = 500
	CodeTransientStore    = 503
)

var (
	ErrBadRequest        = NewCodeError(CodeBadRequest, "bad_request", "malformed request")
	ErrUnauthorized      = NewCodeError(CodeUnauthorized, "unauthorized", "authentication failed")
	ErrPermissionDenied  = NewCodeError(CodePermissionDenied, "permission_denied", "actor is not a member")
	ErrNotFound          = NewCodeError(CodeNotFound, "not_found", "resource not found")
	ErrTargetUnavailable = NewCodeError(CodeTargetUnavailable, "target_unavailable", "target has no live session")
	ErrInternal          = NewCodeError(CodeInternal, "internal", "internal error")
	ErrTransientStore    = NewCodeError(CodeTransientStore, "transient_store_failure", "store operation failed")
)

type CodeError struct {
	Code   int               `json:"code"`
	Reason string            `json:"reason"`
	Msg    string            `json:"msg"`
	Detail string            `json:"detail,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

func NewCodeError(code int, reason, msg string) *CodeError {
	return &CodeError{Code: code, Reason: reason, Msg: msg}
}

func (e *CodeError) clone() *CodeError {
	c := &CodeError{Code: e.Code, Reason: e.Reason, Msg: e.Msg, Detail: e.Detail}
	if len(e.Fields) > 0 {
		c.Fields = make(map[string]string, len(e.Fields))
		for k, v := range e.Fields {
			c.Fields[k] = v
		}
	}
	return c
}

// Wrap 返回带调用栈的副本
func (e *CodeError) Wrap() error {
	return pkgerrors.WithStack(e.clone())
}

// WrapMsg 追加描述与上下文 kv（key 必须是 string），kv 同时写入 Fields
func (e *CodeError) WrapMsg(msg string, kv ...any) error {
	c := e.clone()
	if msg != "" || len(kv) > 0 {
		detail := toString(msg, kv)
		if c.Detail == "" {
			c.Detail = detail
		} else {
			c.Detail += ", " + detail
		}
	}
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok || k == "" {
			continue
		}
		if c.Fields == nil {
			c.Fields = make(map[string]string)
		}
		c.Fields[k] = fmt.Sprint(kv[i+1])
	}
	return pkgerrors.WithStack(c)
}

// Is 按错误码匹配，允许 errors.Is(err, errs.ErrNotFound)
func (e *CodeError) Is(target error) bool {
	var t *CodeError
	if !errors.As(target, &t) || t == nil || e == nil {
		return false
	}
	return e.Code == t.Code
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Reason)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// As 提取错误链中的 CodeError；非编码错误统一视为 internal
func As(err error) (*CodeError, bool) {
	if err == nil {
		return nil, false
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Code 返回错误码，非编码错误返回 CodeInternal
func Code(err error) int {
	if ce, ok := As(err); ok {
		return ce.Code
	}
	return CodeInternal
}

// Transient 把底层存储错误包装为 TransientStoreFailure，已编码的错误原样返回
func Transient(err error, op string) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}
	c := ErrTransientStore.clone()
	c.Detail = op + ": " + err.Error()
	c.Fields = map[string]string{"op": op}
	return pkgerrors.WithStack(c)
}

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if b.Len() > 0 {
			b.WriteString(", ")
		}
		b.WriteString(fmt.Sprint(kv[i]))
		b.WriteString("=")
		if i+1 < len(kv) {
			b.WriteString(fmt.Sprint(kv[i+1]))
		} else {
			b.WriteString("MISSING")
		}
	}
	return b.String()
}

// WithFields 给错误链中的 CodeError 追加上下文 kv；非编码错误先按 internal 处理
func WithFields(err error, kv ...any) error {
	if err == nil {
		return nil
	}
	ce, ok := As(err)
	if !ok {
		ce = ErrInternal.clone()
		ce.Detail = err.Error()
	} else {
		ce = ce.clone()
	}
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok || k == "" {
			continue
		}
		if ce.Fields == nil {
			ce.Fields = make(map[string]string)
		}
		if _, exists := ce.Fields[k]; !exists {
			ce.Fields[k] = fmt.Sprint(kv[i+1])
		}
	}
	return pkgerrors.WithStack(ce)
}
