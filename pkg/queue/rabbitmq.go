package queue

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/models"
	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/pipeline"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const (
	batchQueueName     = "vm_batch_queue"
	deadLetterExchange = "vm_dead_letter_exchange"
	deadLetterQueue    = batchQueueName + "_dlq"

	// 批任务本身内部并发跑条目，这里只控制同时执行的批任务数
	batchConcurrency = 4
)

// Handler 执行一条批任务消息。返回 *pipeline.ValidationError 表示消息
// 本身不合法，会直接进死信队列，不做重试
type Handler func(models.BatchMessage) error

// MessageQueue 批任务队列的最小接口
type MessageQueue interface {
	PublishBatch([]byte) error
	Consume(handler Handler) error
	Close() error
}

var (
	rabbitOnce     sync.Once
	rabbitInstance MessageQueue
	rabbitInitErr  error
)

// InitRabbitMQ 使用单例模式初始化 RabbitMQ（首次调用生效，后续调用忽略）
func InitRabbitMQ(dsn string) error {
	rabbitOnce.Do(func() {
		inst, err := newAMQPQueue(dsn)
		if err != nil {
			rabbitInitErr = err
			zap.L().Error("failed to init AMQP queue", zap.Error(err))
			return
		}
		rabbitInstance = inst
	})
	return rabbitInitErr
}

// GetRabbitMQ 返回单例的 MessageQueue，未初始化或初始化失败时返回错误
func GetRabbitMQ() (MessageQueue, error) {
	if rabbitInstance == nil {
		if rabbitInitErr != nil {
			return nil, rabbitInitErr
		}
		return nil, errors.New("rabbitmq not initialized; call InitRabbitMQ")
	}
	return rabbitInstance, nil
}

type amqpQueue struct {
	conn      *amqp.Connection
	ch        *amqp.Channel
	queueName string
}

func newAMQPQueue(dsn string) (MessageQueue, error) {
	conn, err := amqp.Dial(dsn)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	err = ch.ExchangeDeclare(
		deadLetterExchange,
		"direct",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	if _, err = ch.QueueDeclare(deadLetterQueue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	if err = ch.QueueBind(deadLetterQueue, deadLetterQueue, deadLetterExchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	q, err := ch.QueueDeclare(
		batchQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    deadLetterExchange,
			"x-dead-letter-routing-key": deadLetterQueue,
		},
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	// prefetch 与消费侧并发数配合使用
	_ = ch.Qos(batchConcurrency, 0, false)
	return &amqpQueue{conn: conn, ch: ch, queueName: q.Name}, nil
}

func (q *amqpQueue) PublishBatch(body []byte) error {
	return q.ch.Publish(
		"", q.queueName, false, false,
		amqp.Publishing{ContentType: "application/json", Body: body, DeliveryMode: amqp.Persistent},
	)
}

// Consume 拉起批任务消费循环，阻塞直到通道关闭。
// 每条消息在独立 goroutine 中执行 handler，成功 Ack；失败按
// classifyFailure 的结果决定重新入队还是进死信队列
func (q *amqpQueue) Consume(handler Handler) error {
	deliveries, err := q.ch.Consume(q.queueName, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	sem := make(chan struct{}, batchConcurrency)
	var wg sync.WaitGroup

	for d := range deliveries {
		sem <- struct{}{}
		wg.Add(1)
		go func(del amqp.Delivery) {
			defer func() { <-sem; wg.Done() }()

			var msg models.BatchMessage
			if err := json.Unmarshal(del.Body, &msg); err != nil {
				zap.L().Warn("invalid batch payload", zap.Error(err))
				_ = del.Nack(false, false)
				return
			}

			if err := handler(msg); err != nil {
				if classifyFailure(err, del.Redelivered) {
					zap.L().Warn("batch failed, requeueing once",
						zap.Uint64("batch_id", msg.BatchID), zap.Error(err))
					_ = del.Nack(false, true)
				} else {
					zap.L().Error("batch rejected to dead letter queue",
						zap.Uint64("batch_id", msg.BatchID), zap.Error(err))
					_ = del.Nack(false, false)
				}
				return
			}
			_ = del.Ack(false)
		}(d)
	}

	wg.Wait()
	return nil
}

// classifyFailure 决定失败消息的去向：true 重新入队再试一次，false 进死信队列。
// 入参校验失败属于永久错误；其余错误最多重试一次
func classifyFailure(err error, redelivered bool) bool {
	var ve *pipeline.ValidationError
	if errors.As(err, &ve) {
		return false
	}
	return !redelivered
}

func (q *amqpQueue) Close() error {
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
