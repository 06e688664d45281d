package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/room4-2/realtime-relay/messages"
)

// AudioPlayer streams PCM deltas via sox
type AudioPlayer struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	mu     sync.Mutex
	closed bool
}

func NewAudioPlayer(rate int) *AudioPlayer {
	cmd := exec.Command("sox",
		"-t", "raw",
		"-r", fmt.Sprint(rate),
		"-b", "16",
		"-c", "1",
		"-e", "signed-integer",
		"-",
		"-d",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		log.Println("sox stdin error:", err)
		return nil
	}
	if err := cmd.Start(); err != nil {
		log.Println("sox start error:", err)
		return nil
	}
	return &AudioPlayer{cmd: cmd, stdin: stdin}
}

func (p *AudioPlayer) Play(audioData []byte) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.stdin == nil {
		return
	}
	_, _ = p.stdin.Write(audioData)
}

func (p *AudioPlayer) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Wait()
	}
}

func main() {
	serverURL := flag.String("server", "ws://localhost:8080/ws", "relay WebSocket URL")
	audioFile := flag.String("file", "examples/user.pcm", "audio file to send (16-bit mono PCM or WAV)")
	chunkMs := flag.Int("chunk-ms", 100, "milliseconds of audio per frame")
	rate := flag.Int("rate", 16000, "sample rate of the input file")
	// ai_response carries both text and audio deltas; see audioFragment for
	// how they are told apart.
	play := flag.Bool("play", false, "play audio deltas through sox (24kHz)")
	timeout := flag.Duration("timeout", 30*time.Second, "how long to wait for the response")
	flag.Parse()

	audioData, err := loadAudioFile(*audioFile)
	if err != nil {
		log.Fatalf("Failed to load audio: %v", err)
	}

	log.Printf("🔌 Connecting to %s...", *serverURL)
	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()
	log.Println("✅ Connected!")

	var player *AudioPlayer
	if *play {
		if player = NewAudioPlayer(24000); player == nil {
			log.Fatal("Failed to create audio player (is sox installed?)")
		}
		defer player.Close()
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})
	complete := make(chan struct{}, 1)

	go func() {
		defer close(done)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				log.Println("Read error:", err)
				return
			}

			msg, data, err := messages.DecodeServer(raw)
			if err != nil {
				log.Println("Parse error:", err)
				continue
			}

			switch msg.Type {
			case messages.TypeAIResponse:
				var fragment string
				_ = sonic.Unmarshal(data, &fragment)
				if *play {
					if audio, ok := audioFragment(fragment); ok {
						player.Play(audio)
						continue
					}
				}
				fmt.Print(fragment)
			case messages.TypeAIResponseComplete:
				fmt.Println()
				log.Printf("--- Response complete: %s", string(data))
				select {
				case complete <- struct{}{}:
				default:
				}
			case messages.TypeError:
				log.Printf("❌ Error: %s", string(data))
			default:
				log.Printf("Unknown message type %q", msg.Type)
			}
		}
	}()

	chunkSize := *rate * 2 * *chunkMs / 1000
	if chunkSize <= 0 {
		log.Fatalf("invalid chunk size from -chunk-ms=%d -rate=%d", *chunkMs, *rate)
	}
	total := (len(audioData) + chunkSize - 1) / chunkSize

	log.Printf("📤 Sending %s (%d bytes, %d frames)", *audioFile, len(audioData), total)
	for i := 0; i < len(audioData); i += chunkSize {
		end := min(i+chunkSize, len(audioData))
		frame := messages.EncodeClientAudio(base64.StdEncoding.EncodeToString(audioData[i:end]))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			log.Printf("Send error: %v", err)
			break
		}
		log.Printf("📤 Sent frame %d/%d (%d bytes)", i/chunkSize+1, total, end-i)

		// Real-time pacing
		time.Sleep(time.Duration(*chunkMs) * time.Millisecond)
	}

	log.Println("✅ Audio sent, waiting for response...")

	select {
	case <-complete:
	case <-done:
		log.Println("Connection closed")
	case <-interrupt:
		log.Println("👋 Interrupted, closing...")
	case <-time.After(*timeout):
		log.Println("⏰ Timeout waiting for response")
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// loadAudioFile returns raw PCM, skipping a canonical 44-byte WAV header
func loadAudioFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) > 44 && string(data[0:4]) == "RIFF" {
		log.Println("📁 Detected WAV file, skipping header")
		return data[44:], nil
	}
	log.Println("📁 Detected raw PCM file")
	return data, nil
}

// minAudioDelta is 10ms of 16-bit mono PCM at 16kHz. Text deltas are single
// tokens, far shorter than this once base64 decoded.
const minAudioDelta = 320

// audioFragment reports whether an ai_response fragment is base64 PCM rather
// than text: it must decode cleanly to at least minAudioDelta bytes, hold
// whole 16-bit samples, and contain no whitespace.
func audioFragment(fragment string) ([]byte, bool) {
	if strings.ContainsAny(fragment, " \t\r\n") {
		return nil, false
	}
	audio, err := base64.StdEncoding.DecodeString(fragment)
	if err != nil || len(audio) < minAudioDelta || len(audio)%2 != 0 {
		return nil, false
	}
	return audio, true
}
