package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/remdisgo/dialogue/pkg/asr"
	"github.com/remdisgo/dialogue/pkg/audiovap"
	"github.com/remdisgo/dialogue/pkg/broker"
	"github.com/remdisgo/dialogue/pkg/config"
	"github.com/remdisgo/dialogue/pkg/dialogue"
	"github.com/remdisgo/dialogue/pkg/iu"
	"github.com/remdisgo/dialogue/pkg/logging"
	"github.com/remdisgo/dialogue/pkg/metrics"
	"github.com/remdisgo/dialogue/pkg/orchestrator"
	llmProvider "github.com/remdisgo/dialogue/pkg/providers/llm"
	sttProvider "github.com/remdisgo/dialogue/pkg/providers/stt"
	ttsProvider "github.com/remdisgo/dialogue/pkg/providers/tts"
	"github.com/remdisgo/dialogue/pkg/textvap"
	"github.com/remdisgo/dialogue/pkg/tts"
)

// batchSTT adapts a batch orchestrator.STTProvider onto asr.Provider's
// streaming contract by transcribing fixed audio windows instead of
// provider-native partial results — none of the kept STT providers
// stream (they only expose Transcribe), so this is the bridge that lets
// pkg/asr's token-diffing ADD/REVOKE adapter run on top of them. Window
// boundaries are a fixed ticker rather than the teacher's VAD-triggered
// segments (pkg/orchestrator/managed_stream.go runBatchPipeline), since
// audiovap's VAD state isn't exposed as a callback.
type batchSTT struct {
	provider orchestrator.STTProvider
	window   time.Duration
}

func (b *batchSTT) Name() string { return b.provider.Name() + "-batch" }

func (b *batchSTT) StreamTranscribe(ctx context.Context, lang string, onTranscript func(transcript string, isFinal bool, stability, confidence float64) error) (chan<- []byte, error) {
	audioCh := make(chan []byte, 32)
	go func() {
		ticker := time.NewTicker(b.window)
		defer ticker.Stop()
		var buf []byte
		for {
			select {
			case <-ctx.Done():
				return
			case chunk := <-audioCh:
				buf = append(buf, chunk...)
			case <-ticker.C:
				if len(buf) == 0 {
					continue
				}
				text, err := b.provider.Transcribe(ctx, buf, orchestrator.Language(lang))
				buf = nil
				if err != nil {
					continue
				}
				if text == "" {
					continue
				}
				// The batch-only provider has no stability/confidence of
				// its own; a complete window transcription is reported as
				// fully stable and fully confident.
				_ = onTranscript(text, true, 1.0, 1.0)
			}
		}
	}()
	return audioCh, nil
}

// llmClassifier adapts orchestrator.LLMProvider's chat-message shape onto
// textvap.Classifier's single-prompt shape.
type llmClassifier struct {
	llm orchestrator.LLMProvider
}

func (c llmClassifier) Complete(ctx context.Context, prompt string) (string, error) {
	return c.llm.Complete(ctx, []orchestrator.Message{{Role: "user", Content: prompt}})
}

func main() {
	logger := logging.NewZapDevelopment()
	defer logger.Sync()

	doc, err := config.Load(os.Getenv("AGENT_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	groqKey := os.Getenv("GROQ_API_KEY")
	openaiKey := os.Getenv("OPENAI_API_KEY")
	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	googleKey := os.Getenv("GOOGLE_API_KEY")
	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	assemblyKey := os.Getenv("ASSEMBLYAI_API_KEY")
	lokutorKey := os.Getenv("LOKUTOR_API_KEY")

	sttProviderName := envOr("STT_PROVIDER", "groq")
	llmProviderName := envOr("LLM_PROVIDER", "groq")
	lang := orchestrator.Language(envOr("AGENT_LANGUAGE", string(orchestrator.LanguageEs)))

	if lokutorKey == "" {
		log.Fatal("Error: LOKUTOR_API_KEY must be set.")
	}

	var sttP orchestrator.STTProvider
	switch sttProviderName {
	case "openai":
		requireEnv("OPENAI_API_KEY", openaiKey)
		sttP = sttProvider.NewOpenAISTT(openaiKey, "whisper-1")
	case "deepgram":
		requireEnv("DEEPGRAM_API_KEY", deepgramKey)
		sttP = sttProvider.NewDeepgramSTT(deepgramKey)
	case "assemblyai":
		requireEnv("ASSEMBLYAI_API_KEY", assemblyKey)
		sttP = sttProvider.NewAssemblyAISTT(assemblyKey)
	default:
		requireEnv("GROQ_API_KEY", groqKey)
		sttP = sttProvider.NewGroqSTT(groqKey, envOr("GROQ_STT_MODEL", "whisper-large-v3-turbo"))
	}
	if s, ok := sttP.(interface{ SetSampleRate(int) }); ok {
		s.SetSampleRate(doc.ASR.SampleRate)
	}

	var llmP orchestrator.LLMProvider
	switch llmProviderName {
	case "openai":
		requireEnv("OPENAI_API_KEY", openaiKey)
		llmP = llmProvider.NewOpenAILLM(openaiKey, "gpt-4o")
	case "anthropic":
		requireEnv("ANTHROPIC_API_KEY", anthropicKey)
		llmP = llmProvider.NewAnthropicLLM(anthropicKey, "claude-3-5-sonnet-20241022")
	case "google":
		requireEnv("GOOGLE_API_KEY", googleKey)
		llmP = llmProvider.NewGoogleLLM(googleKey, "gemini-1.5-flash")
	default:
		requireEnv("GROQ_API_KEY", groqKey)
		llmP = llmProvider.NewGroqLLM(groqKey, "llama-3.3-70b-versatile")
	}

	ttsP := ttsProvider.NewLokutorTTS(lokutorKey)

	rec, _, err := metrics.New()
	if err != nil {
		logger.Warn("metrics: disabled", "error", err)
		rec = nil
	}

	client := broker.NewLocal(doc.Broker.SubscriberBufSize, logger)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var vadModel audiovap.Model
	if modelPath := os.Getenv("SILERO_MODEL_PATH"); modelPath != "" {
		sileroModel, err := audiovap.NewSileroModel(modelPath, doc.ASR.SampleRate, float32(doc.VAP.Threshold))
		if err != nil {
			logger.Warn("vad: falling back to RMS model", "error", err)
			vadModel = audiovap.NewRMSModel()
		} else {
			vadModel = sileroModel
		}
	} else {
		vadModel = audiovap.NewRMSModel()
	}

	vap := audiovap.New("audiovap", doc, vadModel, client, logger)
	vap.Start(ctx)
	defer vap.Close()

	silence := time.Duration(doc.TimeOut.MaxSilenceTime * float64(time.Second))
	tv := textvap.New("textvap", doc.TextVAP, silence, llmClassifier{llm: llmP}, client, logger)
	client.Subscribe(iu.ExchangeASR, func(msg *iu.IU) { tv.HandleASR(ctx, msg) })

	systemPrompt := "You are a helpful and concise voice assistant. Use short sentences suitable for speech."
	if lang == orchestrator.LanguageEs {
		systemPrompt = "Eres un asistente de voz util y conciso. Usa frases cortas adecuadas para el habla."
	}
	if doc.LLM.PromptRESPPath != "" {
		prompt, err := os.ReadFile(doc.LLM.PromptRESPPath)
		if err != nil {
			log.Fatalf("config: reading LLM.prompt_resp_path: %v", err)
		}
		systemPrompt = string(prompt)
	}

	dm := dialogue.New("dialogue", doc.Dialogue, doc.LLM, systemPrompt, llmP, client, rec, logger)
	dm.Start(ctx)
	defer dm.Close()
	client.Subscribe(iu.ExchangeASR, dm.HandleASR)
	client.Subscribe(iu.ExchangeVAP, dm.HandleVAP)
	client.Subscribe(iu.ExchangeTTS, dm.HandleTTS)

	ttsPipeline := tts.New("tts", doc.TTS, ttsP, orchestrator.VoiceF1, lang, client, rec, logger)
	ttsPipeline.Start(ctx)
	defer ttsPipeline.Close()
	client.Subscribe(iu.ExchangeDialogue, ttsPipeline.HandleDialogue)

	asrAdapter := asr.New("asr", string(lang), &batchSTT{provider: sttP, window: 1500 * time.Millisecond}, client, logger, time.Duration(doc.ASR.StreamingLimit)*time.Second)
	if err := asrAdapter.Start(ctx); err != nil {
		log.Fatalf("asr: %v", err)
	}
	defer asrAdapter.Close()

	fmt.Printf("Configured: STT=%s | LLM=%s | TTS=lokutor\n", sttProviderName, llmProviderName)
	fmt.Printf("Sample rate: %dHz | Language: %s\n", doc.ASR.SampleRate, lang)
	fmt.Println("Voice Agent Started! Listening to microphone...")
	fmt.Println("Press Ctrl+C to exit")

	var playbackMu sync.Mutex
	var playbackBytes []byte

	client.Subscribe(iu.ExchangeTTS, func(msg *iu.IU) {
		if msg.UpdateType != iu.Add {
			return
		}
		chunk, ok := msg.Body.([]byte)
		if !ok {
			return
		}
		playbackMu.Lock()
		playbackBytes = append(playbackBytes, chunk...)
		playbackMu.Unlock()
		vap.WriteSystemAudio(chunk)
	})
	client.Subscribe(iu.ExchangeDialogue, func(msg *iu.IU) {
		if msg.UpdateType != iu.Revoke {
			return
		}
		playbackMu.Lock()
		playbackBytes = nil
		playbackMu.Unlock()
	})

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer mctx.Uninit()

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil {
			vap.WriteUserAudio(pInput)
			asrAdapter.Write(pInput)
		}
		if pOutput != nil {
			playbackMu.Lock()
			n := copy(pOutput, playbackBytes)
			playbackBytes = playbackBytes[n:]
			playbackMu.Unlock()
			for i := n; i < len(pOutput); i++ {
				pOutput[i] = 0
			}
		}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(doc.ASR.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		log.Fatal(err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		log.Fatal(err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Printf("\nShutting down...\n")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func requireEnv(name, value string) {
	if value == "" {
		log.Fatalf("Error: %s must be set", name)
	}
}
