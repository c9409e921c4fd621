package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig 描述 UI 通知使用的 RabbitMQ 参数。
type AMQPConfig struct {
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
}

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPNotifier 通过 topic exchange 发布窗口事件，路由键为 approval.open / approval.close。
type AMQPNotifier struct {
	conn     *amqp.Connection
	ch       publisher
	exchange string
}

// NewAMQPNotifier 连接 RabbitMQ 并声明 exchange。
func NewAMQPNotifier(cfg AMQPConfig) (*AMQPNotifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "wallet.ui"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ exchange 失败: %w", err)
	}
	return &AMQPNotifier{conn: conn, ch: ch, exchange: exchange}, nil
}

func (n *AMQPNotifier) Channel() Channel { return ChannelAMQP }

// Notify 发布事件。
func (n *AMQPNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.ch == nil {
		return errors.New("AMQP 通知器未初始化")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化窗口事件失败: %w", err)
	}
	return n.ch.PublishWithContext(ctx, n.exchange, RoutingKey(event.Action), false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   event.OccurredAt,
		Body:        body,
	})
}

// Close 关闭 channel 与连接。
func (n *AMQPNotifier) Close() error {
	if n == nil {
		return nil
	}
	if n.ch != nil {
		_ = n.ch.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}

// RoutingKey 返回动作对应的路由键。
func RoutingKey(action Action) string {
	return "approval." + string(action)
}
