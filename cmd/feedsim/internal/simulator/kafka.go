package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"sync"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/shubham-shewale/portfolio-live/pkg/models"
)

// Compile-time check to ensure KafkaPublisher implements Sink
var _ Sink = (*KafkaPublisher)(nil)

// KafkaPublisher writes updates to the ticks topic keyed by symbol, so each
// symbol stays on one partition.
type KafkaPublisher struct {
	writer KafkaWriter
}

func NewKafkaPublisher(writer KafkaWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

func (p *KafkaPublisher) Publish(ctx context.Context, u models.PriceUpdate) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode update %s: %w", u.Symbol, err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(u.Symbol), Value: payload})
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

// KafkaSource consumes the ticks topic and forwards fresh updates to a sink.
// Messages are sharded by key so one worker sees every update of a symbol
// and can drop replays by sequence id.
type KafkaSource struct {
	logger     *zap.Logger
	reader     KafkaReader
	sink       Sink
	numWorkers int
}

func NewKafkaSource(logger *zap.Logger, reader KafkaReader, sink Sink, numWorkers int) *KafkaSource {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &KafkaSource{logger: logger, reader: reader, sink: sink, numWorkers: numWorkers}
}

// Run blocks until ctx is done or the reader fails permanently, then drains
// the workers.
func (s *KafkaSource) Run(ctx context.Context) error {
	workerChans := make([]chan []byte, s.numWorkers)
	var wg sync.WaitGroup

	for i := 0; i < s.numWorkers; i++ {
		workerChans[i] = make(chan []byte, 100)
		wg.Add(1)
		go s.worker(ctx, i, workerChans[i], &wg)
	}
	defer func() {
		for _, ch := range workerChans {
			close(ch)
		}
		wg.Wait()
	}()

	s.logger.Info("Kafka source started", zap.Int("workers", s.numWorkers))
	for {
		m, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("kafka reader closed: %w", err)
			}
			s.logger.Error("Kafka Read Error", zap.Error(err))
			continue
		}

		// Deterministic Sharding: Same symbol always goes to same worker
		workerID := getWorkerID(m.Key, s.numWorkers)

		select {
		case workerChans[workerID] <- m.Value:
		case <-ctx.Done():
			return nil
		default:
			s.logger.Warn("Dropping slow packet", zap.String("key", string(m.Key)), zap.Int("worker_id", workerID))
		}
	}
}

func (s *KafkaSource) worker(ctx context.Context, id int, msgs <-chan []byte, wg *sync.WaitGroup) {
	defer wg.Done()

	// Local state for deduplication (only works because of deterministic sharding)
	lastSeq := make(map[string]int64)

	for payload := range msgs {
		var update models.PriceUpdate
		if err := json.Unmarshal(payload, &update); err != nil {
			s.logger.Error("JSON Unmarshal Error", zap.Error(err))
			continue
		}

		if update.SeqID <= lastSeq[update.Symbol] {
			s.logger.Debug("Skipping duplicate update", zap.String("symbol", update.Symbol), zap.Int64("seq_id", update.SeqID))
			continue
		}

		if err := s.sink.Publish(ctx, update); err != nil {
			s.logger.Error("Publish Error", zap.Error(err), zap.String("symbol", update.Symbol))
			continue
		}
		s.logger.Debug("Processed", zap.String("symbol", update.Symbol), zap.Int("worker_id", id))
		lastSeq[update.Symbol] = update.SeqID
	}
}

func getWorkerID(key []byte, numWorkers int) int {
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(numWorkers))
}
