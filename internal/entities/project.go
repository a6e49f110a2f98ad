package entities

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alexjbarnes/ha-sync/internal/errors"
	"github.com/alexjbarnes/ha-sync/internal/models"
	"github.com/tidwall/gjson"
)

const (
	// maxForecastDays caps the forecast items kept per weather entity.
	maxForecastDays = 4

	// forecastSearchDepth bounds the search for a forecast array inside a
	// service response.
	forecastSearchDepth = 10
)

// number decodes a JSON number or numeric string. Anything else leaves it
// unset instead of failing the whole state object.
type number struct {
	v  float64
	ok bool
}

func (n *number) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		n.v, n.ok = f, true
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			n.v, n.ok = f, true
		}
	}

	return nil
}

func (n number) ptr() *float64 {
	if !n.ok {
		return nil
	}

	v := n.v

	return &v
}

// text decodes a JSON string and ignores every other type.
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = text(s)
	}

	return nil
}

// flag decodes a JSON bool and ignores every other type.
type flag struct {
	v  bool
	ok bool
}

func (f *flag) UnmarshalJSON(b []byte) error {
	var v bool
	if err := json.Unmarshal(b, &v); err == nil {
		f.v, f.ok = v, true
	}

	return nil
}

type hubForecast struct {
	Datetime          text   `json:"datetime"`
	Date              text   `json:"date"`
	Condition         text   `json:"condition"`
	Temperature       number `json:"temperature"`
	NativeTemperature number `json:"native_temperature"`
	TempLow           number `json:"templow"`
	NativeTempLow     number `json:"native_templow"`
}

// forecastList tolerates a forecast attribute that is not an array.
type forecastList []hubForecast

func (l *forecastList) UnmarshalJSON(b []byte) error {
	var items []hubForecast
	if err := json.Unmarshal(b, &items); err == nil {
		*l = items
	}

	return nil
}

type hubAttributes struct {
	FriendlyName      text   `json:"friendly_name"`
	Unit              text   `json:"unit_of_measurement"`
	DeviceClass       text   `json:"device_class"`
	Icon              text   `json:"icon"`
	SupportedFeatures number `json:"supported_features"`

	Temperature           number       `json:"temperature"`
	NativeTemperature     number       `json:"native_temperature"`
	TargetTemperature     number       `json:"target_temperature"`
	TargetTemp            number       `json:"target_temp"`
	CurrentTemperature    number       `json:"current_temperature"`
	TemperatureUnit       text         `json:"temperature_unit"`
	NativeTemperatureUnit text         `json:"native_temperature_unit"`
	Humidity              number       `json:"humidity"`
	Forecast              forecastList `json:"forecast"`
	ForecastDaily         forecastList `json:"forecast_daily"`

	HVACAction     text   `json:"hvac_action"`
	HVACMode       text   `json:"hvac_mode"`
	PresetMode     text   `json:"preset_mode"`
	MinTemp        number `json:"min_temp"`
	MaxTemp        number `json:"max_temp"`
	TargetTempLow  number `json:"target_temp_low"`
	TargetTempHigh number `json:"target_temp_high"`

	VolumeLevel   number `json:"volume_level"`
	IsVolumeMuted flag   `json:"is_volume_muted"`
}

type hubState struct {
	EntityID    string        `json:"entity_id"`
	State       text          `json:"state"`
	LastChanged text          `json:"last_changed"`
	Attributes  hubAttributes `json:"attributes"`
}

// Domain returns the part of an entity id before the first dot, or
// "unknown".
func Domain(entityID string) string {
	domain, _, ok := strings.Cut(entityID, ".")
	if !ok || domain == "" {
		return "unknown"
	}

	return domain
}

// Project parses a hub state object and projects it onto the cached entity
// shape, keeping only the attributes the panel renders.
func Project(raw []byte, now time.Time) (models.Entity, error) {
	var hs hubState
	if err := json.Unmarshal(raw, &hs); err != nil {
		return models.Entity{}, fmt.Errorf("%w: decoding state: %v", errors.ErrInvalidResponse, err)
	}

	if hs.EntityID == "" {
		return models.Entity{}, fmt.Errorf("%w: state has no entity_id", errors.ErrInvalidResponse)
	}

	a := hs.Attributes
	e := models.Entity{
		EntityID:          hs.EntityID,
		Domain:            Domain(hs.EntityID),
		State:             string(hs.State),
		FriendlyName:      string(a.FriendlyName),
		Unit:              string(a.Unit),
		DeviceClass:       string(a.DeviceClass),
		Icon:              string(a.Icon),
		SupportedFeatures: int(a.SupportedFeatures.v),
		LastChanged:       string(hs.LastChanged),
		UpdatedAt:         now,
	}

	if e.FriendlyName == "" {
		e.FriendlyName = e.EntityID
	}

	switch e.Domain {
	case "weather":
		e.Weather = projectWeather(a)
	case "climate":
		e.Climate = projectClimate(a)
	case "media_player":
		e.MediaPlayer = projectMediaPlayer(a)
	}

	return e, nil
}

func firstOf(values ...number) *float64 {
	for _, v := range values {
		if v.ok {
			return v.ptr()
		}
	}

	return nil
}

func projectWeather(a hubAttributes) *models.Weather {
	w := &models.Weather{
		Temperature:           firstOf(a.Temperature, a.NativeTemperature),
		CurrentTemperature:    a.CurrentTemperature.ptr(),
		NativeTemperature:     a.NativeTemperature.ptr(),
		TemperatureUnit:       string(a.TemperatureUnit),
		NativeTemperatureUnit: string(a.NativeTemperatureUnit),
		Humidity:              a.Humidity.ptr(),
	}

	if w.TemperatureUnit == "" {
		w.TemperatureUnit = w.NativeTemperatureUnit
	}

	items := a.Forecast
	if len(items) == 0 {
		items = a.ForecastDaily
	}

	w.Forecast = compactForecast(items)

	return w
}

func compactForecast(items []hubForecast) []models.ForecastDay {
	if len(items) == 0 {
		return nil
	}

	n := min(len(items), maxForecastDays)
	out := make([]models.ForecastDay, 0, n)

	for _, it := range items[:n] {
		day := models.ForecastDay{
			Datetime:    string(it.Datetime),
			Condition:   string(it.Condition),
			Temperature: firstOf(it.Temperature, it.NativeTemperature),
			TempLow:     firstOf(it.TempLow, it.NativeTempLow),
		}
		if day.Datetime == "" {
			day.Datetime = string(it.Date)
		}

		out = append(out, day)
	}

	return out
}

func projectClimate(a hubAttributes) *models.Climate {
	return &models.Climate{
		Temperature:        firstOf(a.Temperature, a.TargetTemperature, a.TargetTemp),
		CurrentTemperature: a.CurrentTemperature.ptr(),
		TemperatureUnit:    string(a.TemperatureUnit),
		HVACAction:         string(a.HVACAction),
		HVACMode:           string(a.HVACMode),
		PresetMode:         string(a.PresetMode),
		MinTemp:            a.MinTemp.ptr(),
		MaxTemp:            a.MaxTemp.ptr(),
		TargetTempLow:      a.TargetTempLow.ptr(),
		TargetTempHigh:     a.TargetTempHigh.ptr(),
		Humidity:           a.Humidity.ptr(),
	}
}

func projectMediaPlayer(a hubAttributes) *models.MediaPlayer {
	mp := &models.MediaPlayer{}

	if a.VolumeLevel.ok {
		v := min(max(a.VolumeLevel.v, 0), 1)
		mp.VolumeLevel = &v
	}

	if a.IsVolumeMuted.ok {
		m := a.IsVolumeMuted.v
		mp.IsVolumeMuted = &m
	}

	return mp
}

// ForecastFromResponse finds the first "forecast" array in a service
// response and compacts it. The hub nests it under the entity id, so the
// search walks objects down to a fixed depth.
func ForecastFromResponse(raw []byte) []models.ForecastDay {
	if !gjson.ValidBytes(raw) {
		return nil
	}

	arr, ok := findForecast(gjson.ParseBytes(raw), 0)
	if !ok {
		return nil
	}

	var items []hubForecast
	if err := json.Unmarshal([]byte(arr.Raw), &items); err != nil {
		return nil
	}

	return compactForecast(items)
}

func findForecast(node gjson.Result, depth int) (gjson.Result, bool) {
	if depth > forecastSearchDepth || !node.IsObject() {
		return gjson.Result{}, false
	}

	if f := node.Get("forecast"); f.IsArray() {
		return f, true
	}

	var (
		found gjson.Result
		ok    bool
	)

	node.ForEach(func(_, value gjson.Result) bool {
		found, ok = findForecast(value, depth+1)
		return !ok
	})

	return found, ok
}
