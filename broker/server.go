package broker

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"

	"relaylog/common"
	"relaylog/common/message"
	"relaylog/store"
	"relaylog/util"
)

// HttpServer is the broker's ingestion surface: a small JSON-over-HTTP
// API in front of the store. Appends funnel through a single-worker
// pool so producer requests queue rather than pile onto the writer
// lock; pulls share a wider pool, and offset queries and commits run
// directly on the request goroutine.
type HttpServer struct {
	controller *BrokerController
	listenAddr string
	storeHost  string

	httpServer  *http.Server
	sendMsgPool *ants.Pool
	defaultPool *ants.Pool
}

// SendMessageRequest is the produce payload. Field names follow the
// JSON keys with their first letter raised.
type SendMessageRequest struct {
	Topic          string
	QueueId        int32
	Body           string
	Tags           string
	Keys           string
	DelayLevel     int32
	WaitStoreMsgOK bool
	Compress       bool
}

func NewHttpServer(controller *BrokerController, listenAddr string) *HttpServer {
	sendMsgPool, _ := ants.NewPool(1, ants.WithPreAlloc(true), ants.WithMaxBlockingTasks(10000))
	defaultPool, _ := ants.NewPool(8, ants.WithPreAlloc(true), ants.WithMaxBlockingTasks(10000))

	_, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		port = "8089"
	}

	return &HttpServer{
		controller:  controller,
		listenAddr:  listenAddr,
		storeHost:   util.GetLocalAddress() + ":" + port,
		sendMsgPool: sendMsgPool,
		defaultPool: defaultPool,
	}
}

func (s *HttpServer) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/message/send", s.handleSend)
	mux.HandleFunc("/message/pull", s.handlePull)
	mux.HandleFunc("/offset/query", s.handleQueryOffset)
	mux.HandleFunc("/offset/commit", s.handleCommitOffset)

	s.httpServer = &http.Server{Addr: s.listenAddr, Handler: mux}

	go func() {
		log.Infof("broker listening on %s", s.listenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("broker server stopped: %s", err.Error())
		}
	}()
}

func (s *HttpServer) Shutdown() {
	if s.httpServer != nil {
		s.httpServer.Close()
	}
	s.sendMsgPool.Release()
	s.defaultPool.Release()
	log.Info("shutdown broker server")
}

func writeJson(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeRequest reads the request body into a pooled buffer and maps
// its JSON keys onto req's fields.
func decodeRequest(r *http.Request, req interface{}) error {
	buf := common.GetBuffer()
	defer common.BackBuffer(buf)

	if _, err := io.Copy(buf, r.Body); err != nil {
		return err
	}

	raw := map[string]interface{}{}
	if err := json.Unmarshal(buf.Bytes(), &raw); err != nil {
		return err
	}

	fields := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		if k == "" {
			continue
		}
		fields[util.UpperFirstWord(k)] = v
	}
	return util.MapToStruct(fields, req)
}

func (s *HttpServer) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJson(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST only"})
		return
	}

	req := &SendMessageRequest{WaitStoreMsgOK: true}
	if err := decodeRequest(r, req); err != nil {
		writeJson(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Topic == "" {
		writeJson(w, http.StatusBadRequest, map[string]string{"error": "topic required"})
		return
	}

	bornHost := r.RemoteAddr
	if _, _, err := net.SplitHostPort(bornHost); err != nil {
		bornHost = "127.0.0.1:0"
	}

	resultCh := make(chan *store.PutMessageResult, 1)
	err := s.sendMsgPool.Submit(func() {
		msg := message.Message{Topic: req.Topic, Body: []byte(req.Body)}
		if req.Tags != "" {
			msg.PutProperty(store.PropertyTags, req.Tags)
		}
		if req.Keys != "" {
			msg.PutProperty(store.PropertyKeys, req.Keys)
		}

		inner := store.NewBrokerInner(msg, req.QueueId, bornHost, s.storeHost)
		inner.BornTimestamp = util.GetUnixTimeMs()
		inner.DelayTimeLevel = req.DelayLevel
		inner.WaitStoreMsgOK = req.WaitStoreMsgOK
		if req.Compress {
			inner.CompressBody()
		}

		resultCh <- s.controller.Store.PutMessage(inner)
	})
	if err != nil {
		writeJson(w, http.StatusServiceUnavailable, map[string]string{"error": "send queue full"})
		return
	}

	select {
	case result := <-resultCh:
		resp := map[string]interface{}{"status": result.Status.String()}
		if result.AppendMessageResult != nil {
			resp["msgId"] = result.AppendMessageResult.MsgId
			resp["queueOffset"] = result.AppendMessageResult.QueueOffset
			resp["wroteOffset"] = result.AppendMessageResult.WroteOffset
		}
		writeJson(w, http.StatusOK, resp)
	case <-time.After(30 * time.Second):
		writeJson(w, http.StatusGatewayTimeout, map[string]string{"error": "send timed out"})
	}
}

func queryInt(r *http.Request, name string, def int64) int64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func (s *HttpServer) handlePull(w http.ResponseWriter, r *http.Request) {
	group := r.URL.Query().Get("group")
	topic := r.URL.Query().Get("topic")
	queueId := int32(queryInt(r, "queueId", 0))
	offset := queryInt(r, "offset", 0)
	maxNum := int32(queryInt(r, "maxNum", 32))

	type pullReply struct {
		status int
		body   interface{}
	}
	resultCh := make(chan pullReply, 1)
	err := s.defaultPool.Submit(func() {
		begin := time.Now()
		result := s.controller.Store.GetMessage(group, topic, queueId, offset, maxNum)
		store.IncResponseCost(time.Since(begin).Nanoseconds())

		msgs := make([]map[string]interface{}, 0, len(result.Messages))
		for _, ext := range result.Messages {
			msgs = append(msgs, map[string]interface{}{
				"topic":       ext.Topic,
				"queueId":     ext.QueueId,
				"queueOffset": ext.QueueOffset,
				"body":        string(ext.Body),
				"properties":  ext.Properties,
				"storeTime":   ext.StoreTimestamp,
			})
		}
		resultCh <- pullReply{http.StatusOK, map[string]interface{}{
			"status":          int32(result.Status),
			"nextBeginOffset": result.NextBeginOffset,
			"maxOffset":       result.MaxOffset,
			"messages":        msgs,
		}}
	})
	if err != nil {
		writeJson(w, http.StatusServiceUnavailable, map[string]string{"error": "pull queue full"})
		return
	}

	reply := <-resultCh
	writeJson(w, reply.status, reply.body)
}

func (s *HttpServer) handleQueryOffset(w http.ResponseWriter, r *http.Request) {
	group := r.URL.Query().Get("group")
	topic := r.URL.Query().Get("topic")
	queueId := int32(queryInt(r, "queueId", 0))

	offset := s.controller.ConsumerOffsetManager.QueryOffset(group, topic, queueId)
	writeJson(w, http.StatusOK, map[string]int64{"offset": offset})
}

func (s *HttpServer) handleCommitOffset(w http.ResponseWriter, r *http.Request) {
	group := r.URL.Query().Get("group")
	topic := r.URL.Query().Get("topic")
	queueId := int32(queryInt(r, "queueId", 0))
	offset := queryInt(r, "offset", -1)

	if group == "" || topic == "" || offset < 0 {
		writeJson(w, http.StatusBadRequest, map[string]string{"error": "group, topic and offset required"})
		return
	}

	s.controller.ConsumerOffsetManager.CommitOffset(r.RemoteAddr, group, topic, queueId, offset)
	writeJson(w, http.StatusOK, map[string]string{"status": "OK"})
}
