package scanning

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Ollama", func() {
	var (
		server *ghttp.Server
		engine *Ollama
		req    Request
		rec    Recognition
		err    error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		engine = NewOllama(server.URL(), "qwen2.5vl")
		req = Request{Image: []byte("png-bytes"), SegMode: SegModeBlock, Language: "eng"}
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		rec, err = engine.Recognize(context.Background(), req)
	})

	When("the model returns a transcription", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				ghttp.VerifyContentType("application/json"),
				func(w http.ResponseWriter, r *http.Request) {
					body, err := io.ReadAll(r.Body)
					Expect(err).NotTo(HaveOccurred())

					var chat ollamaChatRequest
					Expect(json.Unmarshal(body, &chat)).To(Succeed())
					Expect(chat.Model).To(Equal("qwen2.5vl"))
					Expect(chat.Stream).To(BeFalse())
					Expect(chat.Messages).To(HaveLen(2))
					Expect(chat.Messages[1].Images).To(Equal([]string{base64.StdEncoding.EncodeToString([]byte("png-bytes"))}))
					Expect(chat.Messages[1].Content).To(ContainSubstring("Preserve the printed line breaks"))
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
					Message: ollamaMessage{Role: "assistant", Content: `{"text": "SUPERMART\nTotal 1,500.00"}`},
					Done:    true,
				}),
			))
		})

		It("returns the text without word confidence", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Text).To(Equal("SUPERMART\nTotal 1,500.00"))
			Expect(rec.Words).To(BeNil())
			Expect(server.ReceivedRequests()).To(HaveLen(1))
		})
	})

	When("the model is not pulled", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusNotFound, `{"error":"model \"qwen2.5vl\" not found"}`))
		})

		It("reports the engine as unavailable", func() {
			Expect(err).To(MatchError(ErrEngineUnavailable))
		})
	})

	When("the server fails", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "out of memory"))
		})

		It("returns a retryable error", func() {
			Expect(err).To(MatchError(ContainSubstring("status 500")))
			Expect(err).NotTo(MatchError(ErrEngineUnavailable))
		})
	})

	When("the reply is not a transcription", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
				Message: ollamaMessage{Role: "assistant", Content: "I cannot read this."},
			}))
		})

		It("returns a parse error", func() {
			Expect(err).To(MatchError(ContainSubstring("parsing transcription")))
		})
	})

	When("nothing is listening", func() {
		BeforeEach(func() {
			server.Close()
		})

		It("reports the engine as unavailable", func() {
			Expect(err).To(MatchError(ErrEngineUnavailable))
		})
	})
})

var _ = Describe("NewOllama", func() {
	It("fills in the defaults", func() {
		engine := NewOllama("", "")
		Expect(engine.baseURL).To(Equal("http://localhost:11434"))
		Expect(engine.model).To(Equal("qwen2.5vl"))
		Expect(engine.Name()).To(Equal("ollama"))
	})
})

var _ = Describe("layoutHint", func() {
	It("differs per segmentation mode", func() {
		hints := map[string]bool{}
		for _, mode := range DefaultSegModes {
			hints[layoutHint(mode)] = true
		}
		Expect(hints).To(HaveLen(len(DefaultSegModes)))
	})
})

var _ = Describe("NewGemini", func() {
	It("requires an API key", func() {
		_, err := NewGemini(context.Background(), "", "")
		Expect(err).To(MatchError(ErrEngineUnavailable))
	})
})
