package video

import (
	"encoding/json"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
)

// Metadata describes the video stream as reported by ffprobe
type Metadata struct {
	TotalFrames int
	FPS         float64
	Width       int
	Height      int
}

type ffprobeOutput struct {
	Streams []struct {
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
		RFrameRate    string `json:"r_frame_rate"`
		AvgFrameRate  string `json:"avg_frame_rate"`
	} `json:"streams"`
}

// Probe inspects the first video stream of a file. Frame counting prefers
// the container metadata (instant) and falls back to counting packets, which
// decodes the whole stream but is reliable for containers that omit
// nb_frames.
func Probe(path string) (*Metadata, error) {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return nil, fmt.Errorf("ffprobe not found in PATH: %w", err)
	}

	out, err := exec.Command("ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,nb_frames,r_frame_rate,avg_frame_rate",
		"-of", "json", path).Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}

	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("ffprobe output malformed: %w", err)
	}
	if len(res.Streams) == 0 {
		return nil, fmt.Errorf("no video stream in %s", path)
	}
	stream := res.Streams[0]

	meta := &Metadata{
		Width:  stream.Width,
		Height: stream.Height,
	}

	meta.FPS = parseRate(stream.RFrameRate)
	if meta.FPS <= 0 {
		meta.FPS = parseRate(stream.AvgFrameRate)
	}
	if meta.FPS <= 0 {
		return nil, fmt.Errorf("could not determine FPS of %s", path)
	}

	if n, err := strconv.Atoi(stream.NbFrames); err == nil && n > 0 {
		meta.TotalFrames = n
		return meta, nil
	}

	// Slow path: count packets
	log.Printf("[Probe] %s: container metadata missing frame count, counting packets", path)
	count, err := countPackets(path)
	if err != nil {
		return nil, err
	}
	meta.TotalFrames = count
	return meta, nil
}

func countPackets(path string) (int, error) {
	out, err := exec.Command("ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-count_packets",
		"-show_entries", "stream=nb_read_packets",
		"-of", "json", path).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe packet count failed for %s: %w", path, err)
	}

	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return 0, fmt.Errorf("ffprobe output malformed: %w", err)
	}
	if len(res.Streams) == 0 {
		return 0, fmt.Errorf("no video stream in %s", path)
	}

	count, err := strconv.Atoi(res.Streams[0].NbReadPackets)
	if err != nil || count <= 0 {
		return 0, fmt.Errorf("could not determine frame count of %s", path)
	}
	return count, nil
}

// parseRate converts an ffprobe rational like "30000/1001" to a float
func parseRate(rate string) float64 {
	if rate == "" || rate == "0/0" {
		return 0
	}
	parts := strings.SplitN(rate, "/", 2)
	num, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}
	if len(parts) == 1 {
		return num
	}
	den, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || den == 0 {
		return 0
	}
	return num / den
}
