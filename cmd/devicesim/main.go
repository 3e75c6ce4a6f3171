package main

import (
	"bufio"
	"fmt"
	"log"
	"math"
	"net"
	"os"
	"strconv"
	"time"
)

// devicesim pretends to be a GPS tracker. It connects to the TCP
// listener, logs in, then drifts a fix around a start position at a
// configurable rate. Useful for soak-testing rate limits and flight
// separation without hardware on the bench.
var (
	serverAddr = "localhost:9090"
	deviceID   = "8800000001"
	proto      = "watch" // watch or tk103
	interval   = 5 * time.Second
	startLat   = 45.9237
	startLon   = 11.3017
	altitude   = 1450.0
	speedKmh   = 35.0
	headingDeg = 90.0
)

func main() {
	if v := os.Getenv("SIM_SERVER"); v != "" {
		serverAddr = v
	}
	if v := os.Getenv("SIM_DEVICE_ID"); v != "" {
		deviceID = v
	}
	if v := os.Getenv("SIM_PROTOCOL"); v != "" {
		proto = v
	}
	if v := os.Getenv("SIM_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			interval = d
		}
	}
	if v := os.Getenv("SIM_LAT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			startLat = f
		}
	}
	if v := os.Getenv("SIM_LON"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			startLon = f
		}
	}
	if v := os.Getenv("SIM_SPEED_KMH"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			speedKmh = f
		}
	}

	conn, err := net.Dial("tcp", serverAddr)
	if err != nil {
		log.Fatalf("devicesim connect: %v", err)
	}
	defer conn.Close()
	log.Printf("devicesim %s connected to %s as %s", proto, serverAddr, deviceID)

	reader := bufio.NewReader(conn)
	go func() {
		buf := make([]byte, 512)
		for {
			n, err := reader.Read(buf)
			if err != nil {
				return
			}
			log.Printf("devicesim <- %s", string(buf[:n]))
		}
	}()

	if proto == "tk103" {
		send(conn, fmt.Sprintf("(%s,BP05)", deviceID))
	} else {
		send(conn, watchFrame(deviceID, "LK"))
	}

	lat, lon := startLat, startLon
	for {
		now := time.Now().UTC()
		if proto == "tk103" {
			send(conn, tk103Location(deviceID, now, lat, lon))
		} else {
			send(conn, watchLocation(deviceID, now, lat, lon))
		}
		lat, lon = advance(lat, lon, speedKmh, headingDeg, interval)
		time.Sleep(interval)
	}
}

func send(conn net.Conn, frame string) {
	log.Printf("devicesim -> %s", frame)
	if _, err := conn.Write([]byte(frame)); err != nil {
		log.Fatalf("devicesim write: %v", err)
	}
}

func watchFrame(id, payload string) string {
	return fmt.Sprintf("[3G*%s*%04X*%s]", id, len(payload), payload)
}

func watchLocation(id string, ts time.Time, lat, lon float64) string {
	payload := fmt.Sprintf("UD2,%s,%s,A,%s,%s,%s,%s,%.1f,%.1f,%.1f,8,80,95",
		ts.Format("020106"), ts.Format("150405"),
		toNMEA(lat, false), hemi(lat, false),
		toNMEA(lon, true), hemi(lon, true),
		speedKmh, headingDeg, altitude)
	return watchFrame(id, payload)
}

func tk103Location(id string, ts time.Time, lat, lon float64) string {
	return fmt.Sprintf("(%s,BR00,%s,A,%s,%s,%s,%s,%.1f,%s,%.1f,%.1f)",
		id, ts.Format("060102"),
		toNMEA(lat, false), hemi(lat, false),
		toNMEA(lon, true), hemi(lon, true),
		speedKmh, ts.Format("150405"), headingDeg, altitude)
}

// toNMEA renders decimal degrees as DDMM.MMMM (DDDMM.MMMM for
// longitude), always unsigned; the hemisphere letter carries the sign.
func toNMEA(deg float64, isLon bool) string {
	deg = math.Abs(deg)
	d := math.Floor(deg)
	minutes := (deg - d) * 60
	if isLon {
		return fmt.Sprintf("%03d%07.4f", int(d), minutes)
	}
	return fmt.Sprintf("%02d%07.4f", int(d), minutes)
}

func hemi(deg float64, isLon bool) string {
	if isLon {
		if deg < 0 {
			return "W"
		}
		return "E"
	}
	if deg < 0 {
		return "S"
	}
	return "N"
}

// advance dead-reckons the next fix from speed and heading.
func advance(lat, lon, kmh, heading float64, dt time.Duration) (float64, float64) {
	distKm := kmh * dt.Hours()
	rad := heading * math.Pi / 180
	dLat := (distKm * math.Cos(rad)) / 110.574
	dLon := (distKm * math.Sin(rad)) / (111.320 * math.Cos(lat*math.Pi/180))
	return lat + dLat, lon + dLon
}
