package message_test

import (
	"bytes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/experella/internal/message"
)

type recorder struct {
	heads     []*message.Head
	body      bytes.Buffer
	completed int
}

func (r *recorder) OnHeaders(head *message.Head) error {
	r.heads = append(r.heads, head)
	return nil
}

func (r *recorder) OnBody(chunk []byte) { r.body.Write(chunk) }

func (r *recorder) OnComplete() { r.completed++ }

var _ = Describe("Parser", func() {
	var rec *recorder

	BeforeEach(func() {
		rec = &recorder{}
	})

	Describe("requests", func() {
		var p *message.Parser

		BeforeEach(func() {
			p = message.NewRequestParser(rec)
		})

		It("should parse a request split across many feeds", func() {
			raw := "GET /a?b=c HTTP/1.1\r\nHost: x\r\nX-Multi: 1\r\nX-Multi: 2\r\n\r\n"
			for i := 0; i < len(raw); i++ {
				Expect(p.Feed([]byte{raw[i]})).To(Succeed())
			}

			Expect(rec.heads).To(HaveLen(1))
			head := rec.heads[0]
			Expect(head.Method).To(Equal("GET"))
			Expect(head.RequestURI).To(Equal("/a?b=c"))
			Expect(head.Major).To(Equal(1))
			Expect(head.Minor).To(Equal(1))
			Expect(head.Header.Get("host")).To(Equal("x"))
			Expect(head.Header.Values("X-Multi")).To(Equal([]string{"1", "2"}))
			Expect(rec.completed).To(Equal(1))
		})

		It("should parse pipelined requests with bodies", func() {
			raw := "POST /1 HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello" +
				"GET /2 HTTP/1.1\r\nHost: x\r\n\r\n" +
				"\r\nGET /3 HTTP/1.1\r\nHost: x\r\n\r\n"
			Expect(p.Feed([]byte(raw))).To(Succeed())

			Expect(rec.heads).To(HaveLen(3))
			Expect(rec.heads[2].RequestURI).To(Equal("/3"))
			Expect(rec.body.String()).To(Equal("hello"))
			Expect(rec.completed).To(Equal(3))
		})

		It("should decode a chunked body", func() {
			raw := "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n" +
				"5;ext=1\r\nhello\r\n6\r\n world\r\n0\r\nTrailer-Field: y\r\n\r\n"
			Expect(p.Feed([]byte(raw))).To(Succeed())
			Expect(rec.body.String()).To(Equal("hello world"))
			Expect(rec.completed).To(Equal(1))
		})

		It("should accept folded header lines", func() {
			raw := "GET / HTTP/1.1\r\nHost: x\r\nX-Long: a\r\n  b\r\n\r\n"
			Expect(p.Feed([]byte(raw))).To(Succeed())
			Expect(rec.heads[0].Header.Get("X-Long")).To(Equal("a b"))
		})

		DescribeTable("should reject malformed input",
			func(raw string, want error) {
				err := p.Feed([]byte(raw))
				Expect(err).To(MatchError(want))
				Expect(p.Feed([]byte("GET / HTTP/1.1\r\n\r\n"))).To(MatchError(want))
			},
			Entry("garbage start line", "this is not http\r\n\r\n", message.ErrMalformed),
			Entry("HTTP/2 version", "GET / HTTP/2.0\r\nHost: x\r\n\r\n", message.ErrMalformed),
			Entry("space before colon", "GET / HTTP/1.1\r\nHost : x\r\n\r\n", message.ErrMalformed),
			Entry("conflicting lengths", "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 1\r\nContent-Length: 2\r\n\r\n", message.ErrMalformed),
			Entry("unknown coding", "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: gzip\r\n\r\n", message.ErrMalformed),
			Entry("bad chunk size", "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n", message.ErrBadChunk),
		)

		It("should report an incomplete message on close", func() {
			Expect(p.Feed([]byte("POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 10\r\n\r\nabc"))).To(Succeed())
			Expect(p.Close()).To(MatchError(message.ErrIncomplete))
		})

		It("should close cleanly between messages", func() {
			Expect(p.Feed([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n\r\n"))).To(Succeed())
			Expect(p.Close()).To(Succeed())
		})
	})

	Describe("responses", func() {
		It("should read an unframed body until close", func() {
			p := message.NewResponseParser("GET", rec)
			Expect(p.Feed([]byte("HTTP/1.0 200 OK\r\n\r\npart one "))).To(Succeed())
			Expect(p.Feed([]byte("part two"))).To(Succeed())
			Expect(rec.completed).To(Equal(0))

			Expect(p.Close()).To(Succeed())
			Expect(rec.completed).To(Equal(1))
			Expect(rec.body.String()).To(Equal("part one part two"))
		})

		It("should not expect a body for HEAD", func() {
			p := message.NewResponseParser("HEAD", rec)
			Expect(p.Feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: 42\r\n\r\n"))).To(Succeed())
			Expect(rec.completed).To(Equal(1))
			Expect(rec.body.Len()).To(BeZero())
		})

		It("should continue after an interim response", func() {
			p := message.NewResponseParser("POST", rec)
			raw := "HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 201 Created\r\nContent-Length: 2\r\n\r\nok"
			Expect(p.Feed([]byte(raw))).To(Succeed())
			Expect(rec.heads).To(HaveLen(2))
			Expect(rec.heads[1].StatusCode).To(Equal(201))
			Expect(rec.completed).To(Equal(1))
		})

		It("should keep the reason phrase", func() {
			p := message.NewResponseParser("GET", rec)
			Expect(p.Feed([]byte("HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n"))).To(Succeed())
			Expect(rec.heads[0].Reason).To(Equal("Not Found"))
		})

		It("should reject a broken status line", func() {
			p := message.NewResponseParser("GET", rec)
			Expect(p.Feed([]byte("HTTP/1.1 abc\r\n\r\n"))).To(MatchError(message.ErrMalformed))
		})
	})
})
