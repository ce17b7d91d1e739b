package chat

import (
	"encoding/json"

	"PPChat/module/model"
	"PPChat/tools/errs"
)

// ParseFrame 解析客户端 JSON 帧 {"type": "...", "data": {...}}
func ParseFrame(raw []byte) (model.Inbound, error) {
	var in model.Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return model.Inbound{}, errs.ErrBadRequest.WrapMsg("unmarshal frame failed", "cause", err.Error())
	}
	if in.Type == "" {
		return model.Inbound{}, errs.ErrBadRequest.WrapMsg("frame type is empty")
	}
	return in, nil
}

func EncodeFrame(ev model.Outbound) ([]byte, error) {
	return json.Marshal(ev)
}

// ErrorFrame 把处理错误转换为下行 error 事件；context 至少带上触发的事件名
func ErrorFrame(eventType string, err error) model.Outbound {
	ce, ok := errs.As(err)
	if !ok {
		ce = errs.NewCodeError(errs.CodeInternal, "internal", "internal error")
	}
	ctx := make(map[string]string, len(ce.Fields)+1)
	for k, v := range ce.Fields {
		// cause 只进日志
		if k == "cause" {
			continue
		}
		ctx[k] = v
	}
	if eventType != "" {
		ctx["event"] = eventType
	}
	// 存储层失败原样交给发起会话（Detail 为 "op: 驱动错误"），由客户端决定是否用同一 clientId 重试
	msg := ce.Msg
	if ce.Code != errs.CodeInternal && ce.Detail != "" {
		msg = ce.Detail
	}
	return model.Outbound{Type: model.OutError, Data: model.ErrorEvent{
		Reason:  ce.Reason,
		Code:    ce.Code,
		Message: msg,
		Context: ctx,
	}}
}
