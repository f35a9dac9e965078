package toolbox

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/bytedance/sonic"

	"github.com/agentcheck/agentcheck/logger"
)

// The demo toolbox mirrors the classic weather/stock agent exercises: a
// current-weather lookup, a daily stock quote, and a geocoding + forecast
// pair whose outputs chain (coordinates feed the forecast call). Each tool
// calls its public API when the matching key is set in the environment and
// otherwise returns a fixed demonstration value, so suites stay runnable
// offline and assertions stay deterministic.
const (
	weatherAPIKeyEnv = "WEATHER_API_KEY"
	stockAPIKeyEnv   = "AV_STOCK_API_KEY"
)

var demoHTTPClient = &http.Client{Timeout: 15 * time.Second}

// NewDemoToolbox returns a registry with the built-in demo tools.
func NewDemoToolbox() *Registry {
	r := NewRegistry()

	r.MustRegister(FunctionTool(
		"get_current_weather",
		"Fetches the current weather for a given location. Returns temperature in celsius, a weather description, and humidity.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{
					"type":        "string",
					"description": "The name of the city for which to retrieve the weather information.",
				},
			},
			"required": []string{"location"},
		},
	), getCurrentWeather)

	r.MustRegister(FunctionTool(
		"get_stock_price",
		"Retrieves the lowest and highest stock prices for a given ticker and date.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"ticker": map[string]any{
					"type":        "string",
					"description": "The stock ticker symbol, for example, \"IBM\".",
				},
				"date": map[string]any{
					"type":        "string",
					"description": "The date in \"YYYY-MM-DD\" format for which you want to get stock prices.",
				},
			},
			"required": []string{"ticker", "date"},
		},
	), getStockPrice)

	r.MustRegister(FunctionTool(
		"get_geo_coordinates",
		"Retrieves geographic coordinates (latitude and longitude) for a specified city. Returns a [latitude, longitude] pair.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city_name": map[string]any{
					"type":        "string",
					"description": "The name of the city. Examples: \"New York\", \"Montréal\", \"London\".",
				},
				"state_code": map[string]any{
					"type":        "string",
					"description": "The state or province code. Examples: \"NY\", \"CA\", \"Québec\", \"ON\".",
				},
				"country": map[string]any{
					"type":        "string",
					"description": "The two-letter country code. Examples: \"US\", \"CA\", \"GB\", \"FR\".",
				},
			},
			"required": []string{"city_name", "state_code", "country"},
		},
	), getGeoCoordinates)

	r.MustRegister(FunctionTool(
		"get_weather_forecast",
		"Retrieves a 5-day weather forecast at 3-hourly intervals for the given coordinates. Returns a list of {\"YYYY-MM-DD HH:MM:SS\": temperature_in_celsius} pairs. Use get_geo_coordinates to convert city names to lat/lon first.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"lat": map[string]any{
					"type":        "number",
					"description": "Latitude coordinate in decimal degrees. Range: -90 to 90.",
				},
				"lon": map[string]any{
					"type":        "number",
					"description": "Longitude coordinate in decimal degrees. Range: -180 to 180.",
				},
			},
			"required": []string{"lat", "lon"},
		},
	), getWeatherForecast)

	return r
}

func getCurrentWeather(ctx context.Context, args map[string]any) (string, error) {
	location, err := stringArg(args, "location")
	if err != nil {
		return "", err
	}

	apikey := os.Getenv(weatherAPIKeyEnv)
	if apikey == "" {
		logger.Logger.Debug("No weather API key, using demo value", "location", location)
		return sonic.MarshalString(map[string]any{
			"description": "thunderstorms",
			"temperature": 25.3,
			"humidity":    94,
		})
	}

	var payload struct {
		Weather []struct {
			Description string `json:"description"`
		} `json:"weather"`
		Main struct {
			Temp     float64 `json:"temp"`
			Humidity int     `json:"humidity"`
		} `json:"main"`
	}
	endpoint := fmt.Sprintf("https://api.openweathermap.org/data/2.5/weather?q=%s&appid=%s&units=metric",
		url.QueryEscape(location), apikey)
	if err := fetchJSON(ctx, endpoint, &payload); err != nil || len(payload.Weather) == 0 {
		logger.Logger.Warn("Weather lookup failed", "location", location, "error", err)
		return sonic.MarshalString(map[string]any{
			"description": "none",
			"temperature": "none",
			"humidity":    "none",
		})
	}

	return sonic.MarshalString(map[string]any{
		"description": payload.Weather[0].Description,
		"temperature": payload.Main.Temp,
		"humidity":    payload.Main.Humidity,
	})
}

func getStockPrice(ctx context.Context, args map[string]any) (string, error) {
	ticker, err := stringArg(args, "ticker")
	if err != nil {
		return "", err
	}
	date, err := stringArg(args, "date")
	if err != nil {
		return "", err
	}

	apikey := os.Getenv(stockAPIKeyEnv)
	if apikey == "" {
		logger.Logger.Debug("No stock API key, using demo value", "ticker", ticker, "date", date)
		return sonic.MarshalString(map[string]string{"low": "245.4500", "high": "249.0300"})
	}

	var payload struct {
		Series map[string]map[string]string `json:"Time Series (Daily)"`
	}
	endpoint := fmt.Sprintf("https://www.alphavantage.co/query?function=TIME_SERIES_DAILY&symbol=%s&apikey=%s",
		url.QueryEscape(ticker), apikey)
	if err := fetchJSON(ctx, endpoint, &payload); err != nil {
		logger.Logger.Warn("Stock lookup failed", "ticker", ticker, "error", err)
		return sonic.MarshalString(map[string]string{"low": "none", "high": "none"})
	}

	day, ok := payload.Series[date]
	if !ok {
		logger.Logger.Warn("No stock data for date", "ticker", ticker, "date", date)
		return sonic.MarshalString(map[string]string{"low": "none", "high": "none"})
	}
	return sonic.MarshalString(map[string]string{"low": day["3. low"], "high": day["2. high"]})
}

func getGeoCoordinates(ctx context.Context, args map[string]any) (string, error) {
	city, err := stringArg(args, "city_name")
	if err != nil {
		return "", err
	}
	state, _ := stringArg(args, "state_code")
	country, _ := stringArg(args, "country")

	// San Francisco, the original exercise's fallback location.
	lat, lon := 37.7790262, -122.419906

	apikey := os.Getenv(weatherAPIKeyEnv)
	if apikey == "" {
		logger.Logger.Debug("No weather API key, using demo coordinates", "city", city)
		return sonic.MarshalString([]float64{lat, lon})
	}

	var payload []struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	}
	endpoint := fmt.Sprintf("http://api.openweathermap.org/geo/1.0/direct?q=%s&limit=5&appid=%s",
		url.QueryEscape(fmt.Sprintf("%s,%s,%s", city, state, country)), apikey)
	if err := fetchJSON(ctx, endpoint, &payload); err != nil || len(payload) == 0 {
		logger.Logger.Warn("Geocoding failed, using demo coordinates", "city", city, "error", err)
		return sonic.MarshalString([]float64{lat, lon})
	}

	return sonic.MarshalString([]float64{payload[0].Lat, payload[0].Lon})
}

func getWeatherForecast(ctx context.Context, args map[string]any) (string, error) {
	lat, err := floatArg(args, "lat")
	if err != nil {
		return "", err
	}
	lon, err := floatArg(args, "lon")
	if err != nil {
		return "", err
	}

	apikey := os.Getenv(weatherAPIKeyEnv)
	if apikey == "" {
		logger.Logger.Debug("No weather API key, using demo forecast", "lat", lat, "lon", lon)
		return sonic.MarshalString([]map[string]float64{{"2025-10-04 12:00:00": 25.3}})
	}

	var payload struct {
		List []struct {
			Dt   int64 `json:"dt"`
			Main struct {
				Temp float64 `json:"temp"`
			} `json:"main"`
		} `json:"list"`
	}
	endpoint := fmt.Sprintf("https://api.openweathermap.org/data/2.5/forecast?lat=%g&lon=%g&appid=%s&units=metric",
		lat, lon, apikey)
	if err := fetchJSON(ctx, endpoint, &payload); err != nil {
		return "", fmt.Errorf("forecast lookup failed: %w", err)
	}

	forecast := make([]map[string]float64, 0, len(payload.List))
	for _, item := range payload.List {
		if item.Dt == 0 {
			continue
		}
		stamp := time.Unix(item.Dt, 0).UTC().Format("2006-01-02 15:04:05")
		forecast = append(forecast, map[string]float64{stamp: item.Main.Temp})
	}
	logger.Logger.Debug("Forecast fetched", "datapoints", len(forecast))
	return sonic.MarshalString(forecast)
}

func fetchJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := demoHTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return sonic.Unmarshal(body, out)
}

func stringArg(args map[string]any, key string) (string, error) {
	value, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string, got %T", key, value)
	}
	return s, nil
}

func floatArg(args map[string]any, key string) (float64, error) {
	value, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("missing required argument %q", key)
	}
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("argument %q must be a number, got %q", key, v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("argument %q must be a number, got %T", key, value)
	}
}
