package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	LocationID            string
	CurrencyCode          string
	ReceiptFooter         string
	PaymentFees           map[string]float64
	AllowNegativeStock    bool
	TaxInclusive          bool
	MaxLineQty            int
	DiscountCapCents      int64
	SummaryTTLSeconds     int
	AuthSecret            string
	AccessTokenTTLMinutes int
}

func Load() Config {
	// Missing .env is fine, real deployments set the environment directly.
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	summaryTTL, err := strconv.Atoi(getEnv("SUMMARY_TTL_SECONDS", "300"))
	if err != nil || summaryTTL < 1 {
		summaryTTL = 300
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	maxLineQty, err := strconv.Atoi(getEnv("MAX_LINE_QTY", "10"))
	if err != nil || maxLineQty < 1 {
		maxLineQty = 10
	}
	discountCap, err := strconv.ParseInt(getEnv("TRANSACTION_DISCOUNT_CAP_CENTS", "0"), 10, 64)
	if err != nil || discountCap < 0 {
		discountCap = 0
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		LocationID:            getEnv("DEFAULT_LOCATION_ID", "main-floor"),
		CurrencyCode:          getEnv("CURRENCY_CODE", "EUR"),
		ReceiptFooter:         os.Getenv("RECEIPT_FOOTER"),
		PaymentFees:           parseFees(getEnv("PAYMENT_FEES", "card=2.5,qris=0.7")),
		AllowNegativeStock:    strings.EqualFold(os.Getenv("ALLOW_NEGATIVE_STOCK"), "true"),
		TaxInclusive:          strings.EqualFold(os.Getenv("TAX_INCLUSIVE"), "true"),
		MaxLineQty:            maxLineQty,
		DiscountCapCents:      discountCap,
		SummaryTTLSeconds:     summaryTTL,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// parseFees reads a "method=percent,method=percent" schedule. Entries
// that do not parse are skipped. Cash never carries a fee.
func parseFees(raw string) map[string]float64 {
	fees := make(map[string]float64)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		method := strings.ToLower(strings.TrimSpace(key))
		pct, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || pct < 0 || method == "" || method == "cash" {
			continue
		}
		fees[method] = pct
	}
	return fees
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
