package data

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"xinyuan_tech/iap-reconcile-service/internal/biz"
	"xinyuan_tech/iap-reconcile-service/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// googlePlayClient Google Play 账单后台查询客户端
type googlePlayClient struct {
	svc     *androidpublisher.Service
	timeout time.Duration
	log     *log.Helper
}

// NewGooglePlayBillingClient 创建账单后台查询客户端
func NewGooglePlayBillingClient(c *conf.Bootstrap, logger log.Logger) (biz.BillingClient, error) {
	credentials := ""
	if c != nil && c.Client != nil && c.Client.GooglePlay != nil {
		credentials = c.Client.GooglePlay.CredentialsFile
	}
	if credentials == "" {
		// 如果没有配置凭证，返回空实现（优雅降级，所有查询报不可用）
		return &emptyBillingClient{}, nil
	}

	svc, err := androidpublisher.NewService(context.Background(), option.WithCredentialsFile(credentials))
	if err != nil {
		return nil, fmt.Errorf("failed to create androidpublisher service: %w", err)
	}

	return &googlePlayClient{
		svc:     svc,
		timeout: c.Client.GooglePlay.QueryTimeout(),
		log:     log.NewHelper(logger),
	}, nil
}

// QuerySubscription 查询订阅的权威状态
func (c *googlePlayClient) QuerySubscription(ctx context.Context, packageName, productID, purchaseToken string) (*biz.BillingSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	sub, err := c.svc.Purchases.Subscriptions.
		Get(packageName, productID, purchaseToken).
		Context(ctx).Do()
	if err != nil {
		return nil, mapGoogleAPIError(err)
	}

	return &biz.BillingSnapshot{
		ExpiryAt:     time.UnixMilli(sub.ExpiryTimeMillis).UTC(),
		AutoRenewing: sub.AutoRenewing,
		Canceled:     sub.UserCancellationTimeMillis > 0 || (!sub.AutoRenewing && sub.CancelReason > 0),
		CancelReason: sub.CancelReason,
		PaymentState: sub.PaymentState,
	}, nil
}

// mapGoogleAPIError 把 googleapi 错误映射为类型化的查询失败原因
func mapGoogleAPIError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound, http.StatusGone:
			return fmt.Errorf("%w: %v", biz.ErrPurchaseNotFound, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %v", biz.ErrBillingAuth, err)
		}
	}
	return fmt.Errorf("%w: %v", biz.ErrBillingUnavailable, err)
}

// emptyBillingClient 空的账单查询客户端实现（优雅降级）。
// 查询一律报不可用，订阅状态保持不变，等待凭证配置好后由巡检补齐。
type emptyBillingClient struct{}

func (e *emptyBillingClient) QuerySubscription(ctx context.Context, packageName, productID, purchaseToken string) (*biz.BillingSnapshot, error) {
	return nil, fmt.Errorf("%w: google play credentials not configured", biz.ErrBillingUnavailable)
}
