package biz

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

// ErrMalformedEnvelope 通知包体无法解析(映射为 HTTP 400，商店不会重投递)
var ErrMalformedEnvelope = errors.New("malformed notification envelope")

// EventType 续费通知类型
type EventType string

const (
	EventRenewed             EventType = "renewed"
	EventRecovered           EventType = "recovered"
	EventRestarted           EventType = "restarted"
	EventCanceled            EventType = "canceled"
	EventRevoked             EventType = "revoked"
	EventExpired             EventType = "expired"
	EventOnHold              EventType = "on_hold"
	EventPaused              EventType = "paused"
	EventGracePeriod         EventType = "grace_period"
	EventPriceChange         EventType = "price_change"
	EventDeferred            EventType = "deferred"
	EventPauseScheduleChange EventType = "pause_schedule_changed"
	EventUnknown             EventType = "unknown"
)

// Google Play 实时开发者通知的 notificationType 取值
const (
	notificationRecovered           = 1
	notificationRenewed             = 2
	notificationCanceled            = 3
	notificationPurchased           = 4
	notificationOnHold              = 5
	notificationInGracePeriod       = 6
	notificationRestarted           = 7
	notificationPriceChange         = 8
	notificationDeferred            = 9
	notificationPaused              = 10
	notificationPauseScheduleChange = 11
	notificationRevoked             = 12
	notificationExpired             = 13
)

// IsRenewalClass 是否为续费类事件(只允许把到期时间向后推)
func (t EventType) IsRenewalClass() bool {
	return t == EventRenewed || t == EventRecovered || t == EventRestarted
}

// IsCancellationClass 是否为取消类事件(只允许把到期时间收缩到当前时间)
func (t EventType) IsCancellationClass() bool {
	return t == EventCanceled || t == EventRevoked || t == EventExpired
}

// IsInformational 是否为仅记录、不触发状态迁移的事件
func (t EventType) IsInformational() bool {
	return t == EventPriceChange || t == EventDeferred ||
		t == EventPauseScheduleChange || t == EventUnknown
}

// RenewalEvent 规范化后的续费通知(临时对象，处理完即丢弃)
type RenewalEvent struct {
	// EventID 幂等键。通知本身不带投递标识，
	// 由包名、事件时间、通知类型、购买令牌内容散列得到
	EventID       string
	Type          EventType
	PurchaseToken string
	ProductID     string
	PackageName   string
	EventTime     time.Time
}

// pushEnvelope 商店推送的外层信封 {message: {data: base64(JSON)}}
type pushEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// developerNotification base64 解码后的通知载荷
type developerNotification struct {
	Version          string      `json:"version"`
	PackageName      string      `json:"packageName"`
	EventTimeMillis  json.Number `json:"eventTimeMillis"`
	SubscriptionNote *struct {
		Version          string `json:"version"`
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification"`
	OneTimeProductNote *struct {
		Version          string `json:"version"`
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		Sku              string `json:"sku"`
	} `json:"oneTimeProductNotification"`
	TestNote *struct {
		Version string `json:"version"`
	} `json:"testNotification"`
}

// EventDecoder 通知解码器
type EventDecoder struct {
	log *log.Helper
}

// NewEventDecoder 创建通知解码器
func NewEventDecoder(logger log.Logger) *EventDecoder {
	return &EventDecoder{log: log.NewHelper(logger)}
}

// Decode 校验并解包推送通知。
// 返回 (nil, nil) 表示载荷合法但无需处理(测试通知、空通知)，
// 调用方应当正常应答，避免商店反复重投递。
func (d *EventDecoder) Decode(raw []byte) (*RenewalEvent, error) {
	var env pushEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Message.Data == "" {
		return nil, fmt.Errorf("%w: missing message.data", ErrMalformedEnvelope)
	}

	payload, err := decodeBase64(env.Message.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrMalformedEnvelope, err)
	}

	var note developerNotification
	if err := json.Unmarshal(payload, &note); err != nil {
		return nil, fmt.Errorf("%w: invalid payload json: %v", ErrMalformedEnvelope, err)
	}

	eventTime := parseMillis(note.EventTimeMillis)

	switch {
	case note.SubscriptionNote != nil:
		sn := note.SubscriptionNote
		if sn.PurchaseToken == "" {
			return nil, fmt.Errorf("%w: missing purchase token", ErrMalformedEnvelope)
		}
		ev := &RenewalEvent{
			Type:          classifyNotificationType(sn.NotificationType),
			PurchaseToken: sn.PurchaseToken,
			ProductID:     sn.SubscriptionID,
			PackageName:   note.PackageName,
			EventTime:     eventTime,
		}
		ev.EventID = eventID(note.PackageName, note.EventTimeMillis.String(), sn.NotificationType, sn.PurchaseToken)
		return ev, nil

	case note.OneTimeProductNote != nil:
		// 一次性商品不在订阅对账范围内，规范化为 unknown 仅做记录
		on := note.OneTimeProductNote
		ev := &RenewalEvent{
			Type:          EventUnknown,
			PurchaseToken: on.PurchaseToken,
			ProductID:     on.Sku,
			PackageName:   note.PackageName,
			EventTime:     eventTime,
		}
		ev.EventID = eventID(note.PackageName, note.EventTimeMillis.String(), on.NotificationType, on.PurchaseToken)
		return ev, nil

	case note.TestNote != nil:
		d.log.Infof("Received test notification for package %s", note.PackageName)
		return nil, nil

	default:
		// 载荷合法但没有任何已知通知块，应答后丢弃
		d.log.Warnf("Notification without subscription or one-time block for package %s", note.PackageName)
		return nil, nil
	}
}

// classifyNotificationType 映射商店通知类型。
// 未知取值归类为 unknown，保证对新类型的前向兼容。
// SUBSCRIPTION_PURCHASED(4) 与 restarted 同样表示从非激活状态重新建立订阅。
func classifyNotificationType(code int) EventType {
	switch code {
	case notificationRecovered:
		return EventRecovered
	case notificationRenewed:
		return EventRenewed
	case notificationCanceled:
		return EventCanceled
	case notificationPurchased, notificationRestarted:
		return EventRestarted
	case notificationOnHold:
		return EventOnHold
	case notificationInGracePeriod:
		return EventGracePeriod
	case notificationPriceChange:
		return EventPriceChange
	case notificationDeferred:
		return EventDeferred
	case notificationPaused:
		return EventPaused
	case notificationPauseScheduleChange:
		return EventPauseScheduleChange
	case notificationRevoked:
		return EventRevoked
	case notificationExpired:
		return EventExpired
	default:
		return EventUnknown
	}
}

// eventID 生成事件幂等键(内容散列，取前 32 个十六进制字符)
func eventID(packageName, eventTimeMillis string, notificationType int, purchaseToken string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s",
		packageName, eventTimeMillis, notificationType, purchaseToken)))
	return hex.EncodeToString(sum[:])[:32]
}

// decodeBase64 兼容标准与 URL-safe 两种编码
func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

func parseMillis(n json.Number) time.Time {
	ms, err := n.Int64()
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
