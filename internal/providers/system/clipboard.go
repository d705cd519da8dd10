package system

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/emllm/port/internal/shared/types"
)

func (p *Provider) readClipboard(ctx context.Context, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error) {
	text, err := p.platform.ReadClipboard(ctx, p.cfg.MaxClipboardSize)
	if err != nil {
		return nil, p.clipboardError(appCtx, "read", err)
	}
	if int64(len(text)) > p.cfg.MaxClipboardSize {
		return nil, types.Errorf(types.CodeQuotaExceeded, "clipboard content exceeds %d bytes", p.cfg.MaxClipboardSize)
	}
	return map[string]interface{}{"text": text, "size": len(text)}, nil
}

func (p *Provider) writeClipboard(ctx context.Context, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error) {
	raw, ok := params["text"]
	if !ok || raw == nil {
		return nil, types.NewError(types.CodeValidation, "text parameter required")
	}
	text, ok := raw.(string)
	if !ok {
		return nil, types.NewError(types.CodeValidation, "text must be string")
	}
	if int64(len(text)) > p.cfg.MaxClipboardSize {
		return nil, types.Errorf(types.CodeQuotaExceeded, "clipboard content exceeds %d bytes", p.cfg.MaxClipboardSize).
			WithDetail("size", len(text))
	}

	if err := p.platform.WriteClipboard(ctx, text); err != nil {
		return nil, p.clipboardError(appCtx, "write", err)
	}
	return map[string]interface{}{"written": true, "size": len(text)}, nil
}

func (p *Provider) clipboardError(appCtx *types.Context, op string, err error) error {
	if errors.Is(err, ErrUnsupported) {
		return types.Errorf(types.CodeFeatureDisabled, "clipboard %s is not available on this host", op)
	}
	p.logger.Warn("Clipboard operation failed",
		zap.String("app_id", appCtx.AppID),
		zap.String("op", op),
		zap.String("platform", p.platform.Name()),
		zap.Error(err),
	)
	return types.Errorf(types.CodeInternal, "clipboard %s failed", op)
}
