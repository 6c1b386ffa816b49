package main

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type Rabbit struct {
	cfg  Config
	conn *amqp.Connection
	mu   sync.Mutex // un channel no admite publicaciones concurrentes
	ch   *amqp.Channel
	log  zerolog.Logger

	// colas de espera ya declaradas, por nombre
	delayQueues map[string]bool
}

// NewRabbit declara el exchange de eventos y la cola de liberación. Las colas de espera se
// declaran al programar (ver delayQueue).
func NewRabbit(cfg Config, log zerolog.Logger) (*Rabbit, error) {
	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	r := &Rabbit{cfg: cfg, conn: conn, ch: ch, log: log, delayQueues: map[string]bool{}}

	if err := ch.ExchangeDeclare(cfg.RabbitExchange, "topic", true, false, false, false, nil); err != nil {
		r.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(cfg.QRelease, true, false, false, false, nil); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// Una cola de espera por duración: RabbitMQ solo expira mensajes en la cabeza de la cola,
// así que mezclar TTLs distintos en una misma cola retrasaría los más cortos.
// Sin consumidores; al vencer el TTL los mensajes pasan por dead-letter a target.
func delayQueueName(base string, delay time.Duration) string {
	return base + "." + strconv.FormatInt(delayMillis(delay), 10)
}

func delayQueueArgs(target string, delay time.Duration) amqp.Table {
	return amqp.Table{
		"x-message-ttl":             delayMillis(delay),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": target,
	}
}

// delayQueue devuelve la cola de espera para delay, declarándola la primera vez.
func (r *Rabbit) delayQueue(delay time.Duration) (string, error) {
	name := delayQueueName(r.cfg.QReleaseDelay, delay)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.delayQueues[name] {
		return name, nil
	}
	if _, err := r.ch.QueueDeclare(name, true, false, false, false, delayQueueArgs(r.cfg.QRelease, delay)); err != nil {
		return "", err
	}
	r.delayQueues[name] = true
	return name, nil
}

func (r *Rabbit) Close() {
	if r.ch != nil {
		_ = r.ch.Close()
	}
	if r.conn != nil {
		_ = r.conn.Close()
	}
}

// Publish envía un evento de dominio al exchange topic. Nil-safe.
func (r *Rabbit) Publish(ctx context.Context, key string, body []byte) error {
	if r == nil || r.ch == nil {
		return nil
	}
	return r.publish(ctx, r.cfg.RabbitExchange, key, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now(),
		Body:        body,
	})
}

func (r *Rabbit) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ch.PublishWithContext(ctx, exchange, key, false, false, msg)
}

// Mensajes
type ReleaseMessage struct {
	ItemID        int64 `json:"item_id"`
	ScheduledUnix int64 `json:"scheduled_unix"`
}

type rabbitScheduler struct {
	r        *Rabbit
	prefetch int
	consumer *amqp.Channel
}

func NewRabbitScheduler(r *Rabbit, prefetch int) *rabbitScheduler {
	return &rabbitScheduler{r: r, prefetch: prefetch}
}

// ScheduleRelease publica en la cola de espera de esa duración; dentro de la cola todos los
// mensajes tienen el mismo TTL y el orden FIFO coincide con el de vencimiento.
func (s *rabbitScheduler) ScheduleRelease(ctx context.Context, itemID int64, delay time.Duration) error {
	body, err := json.Marshal(ReleaseMessage{ItemID: itemID, ScheduledUnix: nowUnix()})
	if err != nil {
		return err
	}
	queue, err := s.r.delayQueue(delay)
	if err != nil {
		return err
	}
	return s.r.publish(ctx, "", queue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (s *rabbitScheduler) Start(ctx context.Context, release ReleaseFunc) error {
	ch, err := s.r.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Qos(s.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return err
	}
	msgs, err := ch.Consume(s.r.cfg.QRelease, "cart-release-worker", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return err
	}
	s.consumer = ch

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					s.r.log.Warn().Str("queue", s.r.cfg.QRelease).Msg("release consumer stopped")
					return
				}
				handleReleaseMessage(ctx, m.Body, release, s.r.log)
				// Siempre ack: la liberación es idempotente y sus errores ya quedaron registrados
				_ = m.Ack(false)
			}
		}
	}()
	return nil
}

func (s *rabbitScheduler) Close() error {
	if s.consumer != nil {
		return s.consumer.Close()
	}
	return nil
}

func handleReleaseMessage(ctx context.Context, body []byte, release ReleaseFunc, log zerolog.Logger) ReleaseOutcome {
	var msg ReleaseMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		log.Error().Err(err).Msg("release: invalid json")
		return ReleaseFailed
	}
	log.Debug().Int64("item", msg.ItemID).Msg("release: received")
	ctx, cancel := context.WithTimeout(ctx, releaseTimeout)
	defer cancel()
	return release(ctx, msg.ItemID)
}

func delayMillis(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}
