// Package media содержит общие элементы медиаконвейеров A2DP:
// кодированные кадры, ограниченные очереди кадров, типизированные
// ошибки и метрики Prometheus.
//
// # Кадры
//
// Frame хранит один медиапакет: номер последовательности, метку времени
// в сэмплах, число кадров SBC в пакете и полезную нагрузку. Кадр
// преобразуется в RTP пакет и обратно через ToRTP и FrameFromRTP.
// При активной защите контента перед нагрузкой передается заголовок CP.
//
// # Очереди
//
// Queue кольцевой буфер фиксированной емкости с политикой переполнения:
//
//   - DropOldest вытесняет самый старый кадр (очередь передачи источника)
//   - RejectNewest отклоняет новый кадр (очередь приема приемника)
//
// Enqueue вызывается из контекста транспорта, Dequeue из рабочего
// контекста сессии. Flush возвращает число отброшенных кадров.
//
//	q := media.NewQueue(media.QueueConfig{
//	    Name:     "tx",
//	    Capacity: 64,
//	    Policy:   media.DropOldest,
//	})
//	depth, err := q.Enqueue(frame)
//
// # Ошибки
//
// Все ошибки пакета имеют тип *MediaError с кодом MediaErrorCode.
// Сигнальные значения ErrQueueFull, ErrQueueFlushing и ErrQueueReleased
// сравниваются через errors.Is по коду.
package media
