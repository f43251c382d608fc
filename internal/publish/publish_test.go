package publish

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error { return t.err }

type sent struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	sent  []sent
	token func() mqtt.Token
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.sent = append(c.sent, sent{topic, qos, retained, payload.([]byte)})
	if c.token != nil {
		return c.token()
	}
	return doneToken(nil)
}

func TestPublish(t *testing.T) {
	client := &fakeClient{}
	p := New(client, "polyfield/edm/")
	p.now = func() time.Time { return time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC) }

	if err := p.Publish("throw", map[string]float64{"distanceM": 14.27}); err != nil {
		t.Fatal(err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("sent %d messages; want 1", len(client.sent))
	}
	msg := client.sent[0]
	if msg.topic != "polyfield/edm/throw" || msg.qos != 1 || !msg.retained {
		t.Errorf("message = %+v", msg)
	}
	var ev struct {
		Kind string             `json:"kind"`
		Time time.Time          `json:"time"`
		Data map[string]float64 `json:"data"`
	}
	if err := json.Unmarshal(msg.payload, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Kind != "throw" || ev.Data["distanceM"] != 14.27 || !ev.Time.Equal(p.now()) {
		t.Errorf("event = %+v", ev)
	}
}

func TestPublishErrors(t *testing.T) {
	brokerErr := errors.New("not authorised")
	cases := []struct {
		name  string
		token func() mqtt.Token
		want  error
	}{
		{"broker error", func() mqtt.Token { return doneToken(brokerErr) }, brokerErr},
		{"timeout", func() mqtt.Token { return &fakeToken{done: make(chan struct{})} }, ErrPublishTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := New(&fakeClient{token: tc.token}, "edm")
			p.timeout = 10 * time.Millisecond
			if err := p.Publish("wind", 1.2); !errors.Is(err, tc.want) {
				t.Errorf("err = %v; want %v", err, tc.want)
			}
		})
	}
}

func TestNilPublisher(t *testing.T) {
	var p *Publisher
	if err := p.Publish("status", nil); err != nil {
		t.Errorf("nil publisher: %v", err)
	}
	if got := New(nil, "").Topic("status"); got != "status" {
		t.Errorf("Topic = %q", got)
	}
}
