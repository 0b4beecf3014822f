package dispatchd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Worker is one row of the dev server's worker fixture file.
type Worker struct {
	ID           string `yaml:"id" json:"id"`
	Name         string `yaml:"name" json:"name"`
	Document     string `yaml:"document" json:"document"`
	PasswordHash string `yaml:"password_hash" json:"-"`
	Role         string `yaml:"role" json:"role"`
	Category     string `yaml:"category" json:"category"`
}

type workersFile struct {
	Workers []Worker `yaml:"workers"`
}

// LoadWorkers reads the worker fixtures the dev server authenticates against.
func LoadWorkers(path string) ([]Worker, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open workers file: %w", err)
	}
	defer f.Close()

	var wf workersFile
	if err := yaml.NewDecoder(f).Decode(&wf); err != nil {
		return nil, fmt.Errorf("decode workers file: %w", err)
	}
	return wf.Workers, nil
}

// AuthHandler issues bearer tokens for fixture workers.
type AuthHandler struct {
	workers       []Worker
	jwtSecret     string
	tokenDuration time.Duration
}

func NewAuthHandler(workers []Worker, jwtSecret string, tokenDuration time.Duration) *AuthHandler {
	return &AuthHandler{workers: workers, jwtSecret: jwtSecret, tokenDuration: tokenDuration}
}

type loginRequest struct {
	Document string `json:"document"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token  string `json:"token"`
	Worker Worker `json:"worker"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.Document == "" || req.Password == "" {
		http.Error(w, "Missing fields", http.StatusBadRequest)
		return
	}

	var worker *Worker
	for i := range h.workers {
		if h.workers[i].Document == req.Document {
			worker = &h.workers[i]
			break
		}
	}
	if worker == nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(worker.PasswordHash), []byte(req.Password)); err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      worker.ID,
		"name":     worker.Name,
		"role":     worker.Role,
		"category": worker.Category,
		"iat":      now.Unix(),
		"exp":      now.Add(h.tokenDuration).Unix(),
	})
	signed, err := token.SignedString([]byte(h.jwtSecret))
	if err != nil {
		http.Error(w, "Error signing token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(loginResponse{Token: signed, Worker: *worker})
}

// VerifyToken validates a bearer token and returns the worker id.
func VerifyToken(token, secret string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return "", fmt.Errorf("invalid token")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("missing subject")
	}
	return sub, nil
}
