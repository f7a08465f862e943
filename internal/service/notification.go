package service

import (
	"crypto/subtle"
	"errors"
	"io"

	"xinyuan_tech/iap-reconcile-service/internal/biz"
	"xinyuan_tech/iap-reconcile-service/internal/conf"
	"xinyuan_tech/iap-reconcile-service/internal/constants"
	svcErrors "xinyuan_tech/iap-reconcile-service/internal/errors"

	pkgErrors "github.com/gaoyong06/go-pkg/errors"
	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/google/wire"
)

// ProviderSet is service providers.
var ProviderSet = wire.NewSet(NewNotificationService)

// NotificationService 商店推送通知服务
type NotificationService struct {
	decoder *biz.EventDecoder
	uc      *biz.ReconcileUsecase
	config  *conf.Bootstrap
	log     *log.Helper
}

// NewNotificationService 创建推送通知服务实例
func NewNotificationService(decoder *biz.EventDecoder, uc *biz.ReconcileUsecase, config *conf.Bootstrap, logger log.Logger) *NotificationService {
	return &NotificationService{
		decoder: decoder,
		uc:      uc,
		config:  config,
		log:     log.NewHelper(logger),
	}
}

// HandleGooglePlayNotification 处理 Google Play 实时开发者通知。
// 应答约定：包体无法解析返回 400(商店不再重投递)；
// 查询失败/并发冲突返回 5xx 触发重投递；其余情况一律 200 应答。
func (s *NotificationService) HandleGooglePlayNotification(ctx http.Context) error {
	if err := s.checkPushToken(ctx); err != nil {
		return err
	}

	body, err := io.ReadAll(io.LimitReader(ctx.Request().Body, constants.MaxEnvelopeBytes+1))
	if err != nil {
		return pkgErrors.NewBizErrorWithLang(ctx.Request().Context(), svcErrors.ErrCodeMalformedEnvelope)
	}
	if len(body) > constants.MaxEnvelopeBytes {
		return pkgErrors.NewBizErrorWithLang(ctx.Request().Context(), svcErrors.ErrCodeEnvelopeTooLarge)
	}

	ev, err := s.decoder.Decode(body)
	if err != nil {
		s.log.Warnf("Rejecting undecodable notification: %v", err)
		return pkgErrors.NewBizErrorWithLang(ctx.Request().Context(), svcErrors.ErrCodeMalformedEnvelope)
	}
	if ev == nil {
		// 合法但无需处理的载荷,应答防止重投递风暴
		return ack(ctx)
	}

	res, err := s.uc.ProcessEvent(ctx.Request().Context(), ev)
	if err != nil {
		// 查询失败与并发冲突都留给商店重投递(或下一轮巡检)补齐
		var queryFailed *biz.QueryFailedError
		var conflict *biz.ConflictError
		if errors.As(err, &queryFailed) || errors.As(err, &conflict) {
			s.log.Warnf("Event %s not applied, awaiting redelivery: %v", ev.EventID, err)
			return kerrors.ServiceUnavailable("RECONCILE_RETRY", "event processing deferred")
		}
		s.log.Errorf("Event %s processing failed: %v", ev.EventID, err)
		return err
	}

	s.log.Infof("Event %s (%s) handled: outcome=%s", ev.EventID, ev.Type, res.Outcome)
	return ack(ctx)
}

// checkPushToken 校验推送端点共享令牌(未配置时跳过)
func (s *NotificationService) checkPushToken(ctx http.Context) error {
	expected := s.config.Server.Http.PushToken
	if expected == "" {
		return nil
	}
	got := ctx.Request().URL.Query().Get("token")
	if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
		return kerrors.Forbidden("FORBIDDEN", "invalid push token")
	}
	return nil
}

func ack(ctx http.Context) error {
	return ctx.Result(200, map[string]interface{}{"success": true})
}
