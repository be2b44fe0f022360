package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"blunav/positioning-server/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/pflag"
)

type readingPayload struct {
	BeaconID  string `json:"beacon_id"`
	ClientID  string `json:"client_id"`
	RSSI      int16  `json:"rssi"`
	Timestamp string `json:"timestamp"`
}

func main() {
	brokerAddr := pflag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	anchorsFile := pflag.String("anchors", "", "YAML anchor plan; a corner grid is generated when omitted")
	clientID := pflag.String("client-id", "tag-1", "Tracked client identifier")
	roomWidth := pflag.Float64("room-width", 800, "Room width (distance units)")
	roomDepth := pflag.Float64("room-depth", 800, "Room depth (distance units)")
	roomHeight := pflag.Float64("room-height", 250, "Room height (distance units)")
	step := pflag.Float64("step", 30, "Approximate movement per interval (distance units)")
	stationary := pflag.Bool("stationary", false, "Keep the client fixed at its initial position")
	interval := pflag.Duration("interval", 2*time.Second, "Interval between published readings")
	rssiRef := pflag.Float64("rssi-ref", -49.656, "RSSI at the reference distance (dBm)")
	pathLoss := pflag.Float64("path-loss", 4.328, "Path loss exponent")
	refDistance := pflag.Float64("ref-distance", 100, "Reference distance in the anchor plan's units")
	noiseStd := pflag.Float64("noise-std", 2.0, "Gaussian noise applied to RSSI (dB)")
	topicPrefix := pflag.String("topic-prefix", "signals", "MQTT topic prefix")

	pflag.Parse()

	anchors := loadAnchors(*anchorsFile, *roomWidth, *roomDepth, *roomHeight)
	if len(anchors) == 0 {
		log.Fatal("no anchors configured")
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	pos := [3]float64{
		rng.Float64() * *roomWidth,
		rng.Float64() * *roomDepth,
		rng.Float64() * *roomHeight,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(*brokerAddr).
		SetClientID(fmt.Sprintf("blunav-sim-%d", time.Now().UnixNano())).
		SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s", *brokerAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	walk := func() {
		if *stationary {
			return
		}
		pos[0] = clamp(pos[0]+rng.NormFloat64()**step, 0, *roomWidth)
		pos[1] = clamp(pos[1]+rng.NormFloat64()**step, 0, *roomDepth)
		pos[2] = clamp(pos[2]+rng.NormFloat64()**step, 0, *roomHeight)
	}

	publish := func() {
		walk()
		topic := fmt.Sprintf("%s/%s/readings", *topicPrefix, *clientID)
		for _, a := range anchors {
			dist := math.Sqrt((a.X-pos[0])*(a.X-pos[0]) + (a.Y-pos[1])*(a.Y-pos[1]) + (a.Z-pos[2])*(a.Z-pos[2]))
			rssi := distanceToRSSI(dist, *rssiRef, *pathLoss, *refDistance)
			rssi += rng.NormFloat64() * *noiseStd
			if rssi >= 0 {
				rssi = -1
			}

			payload := readingPayload{
				BeaconID:  a.ID,
				ClientID:  *clientID,
				RSSI:      int16(math.Round(rssi)),
				Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			}

			data, err := json.Marshal(payload)
			if err != nil {
				log.Printf("failed to encode payload: %v", err)
				continue
			}

			token := client.Publish(topic, 0, false, data)
			token.Wait()
			if err := token.Error(); err != nil {
				log.Printf("publish error: %v", err)
				continue
			}
			log.Printf("published %s beacon=%s rssi=%.1f", topic, a.ID, rssi)
		}
	}

	publish()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
}

func loadAnchors(path string, width, depth, height float64) []config.AnchorSpec {
	if path == "" {
		corners := [][2]float64{{0, 0}, {width, 0}, {0, depth}, {width, depth}}
		anchors := make([]config.AnchorSpec, 0, len(corners))
		for i, c := range corners {
			anchors = append(anchors, config.AnchorSpec{
				ID: fmt.Sprintf("sim-anchor-%d", i+1),
				X:  c[0],
				Y:  c[1],
				Z:  height,
			})
		}
		return anchors
	}

	anchors, err := config.LoadAnchors(path)
	if err != nil {
		log.Fatalf("failed to load anchor plan: %v", err)
	}
	return anchors
}

// distanceToRSSI inverts the log-distance propagation model.
func distanceToRSSI(distance, rssiRef, pathLoss, refDistance float64) float64 {
	if distance <= 0 {
		distance = 0.01
	}
	return rssiRef - 10*pathLoss*math.Log10(distance/refDistance)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
