// API HTTP del carrito
package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

type Server struct {
	svc         *CartService
	log         zerolog.Logger
	corsOrigins []string
	ident       identity
}

func NewServer(svc *CartService, cfg Config, log zerolog.Logger) *Server {
	return &Server{
		svc:         svc,
		log:         log,
		corsOrigins: cfg.CORSOrigins,
		ident:       identity{trustCookie: cfg.TrustUIDCookie},
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(loggerMiddleware(s.log, s.ident))
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", HeaderUserID, HeaderUserRole, HeaderRequestID},
	}).Handler)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusOK, "ok")
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/books", func(r chi.Router) {
			r.Get("/", s.handleListBooks)
			r.Get("/{bookID}", s.handleGetBook)
			r.With(s.ident.requireUser, requireAdmin).Put("/{bookID}/stock", s.handleSetStock)
		})
		r.Route("/cart", func(r chi.Router) {
			r.Use(s.ident.requireUser)
			r.Get("/", s.handleGetCart)
			r.Post("/add-to-cart/{bookID}", s.handleAddToCart)
			r.Post("/remove-from-cart/{bookID}", s.handleRemoveFromCart)
			r.Post("/checkout", s.handleCheckout)
		})
	})
	return r
}

func (s *Server) handleGetCart(w http.ResponseWriter, r *http.Request) {
	cart, err := s.svc.GetCart(r.Context(), userID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cart)
}

func (s *Server) handleAddToCart(w http.ResponseWriter, r *http.Request) {
	bookID, ok := bookIDParam(w, r)
	if !ok {
		return
	}
	qty := 1
	if raw := r.URL.Query().Get("quantity"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "quantity must be an integer")
			return
		}
		qty = n
	}

	item, err := s.svc.AddToCart(r.Context(), userID(r.Context()), bookID, qty)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "This book added to cart.",
		"item":    item,
	})
}

func (s *Server) handleRemoveFromCart(w http.ResponseWriter, r *http.Request) {
	bookID, ok := bookIDParam(w, r)
	if !ok {
		return
	}
	if err := s.svc.RemoveFromCart(r.Context(), userID(r.Context()), bookID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "The book has been removed from your cart.")
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.svc.Checkout(r.Context(), userID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Checkout successful.",
		"receipt": receipt,
	})
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.svc.ListBooks(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if books == nil {
		books = []BookStock{}
	}
	writeJSON(w, http.StatusOK, books)
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	bookID, ok := bookIDParam(w, r)
	if !ok {
		return
	}
	book, err := s.svc.GetAvailableBook(r.Context(), bookID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

type setStockRequest struct {
	Stock *int `json:"stock"`
}

// handleSetStock es la única vía HTTP para cambiar el stock de un libro; solo para admins.
func (s *Server) handleSetStock(w http.ResponseWriter, r *http.Request) {
	bookID, ok := bookIDParam(w, r)
	if !ok {
		return
	}
	var req setStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Stock == nil {
		writeMessage(w, http.StatusBadRequest, "body must be {\"stock\": <int>}")
		return
	}
	if err := s.svc.SetStock(r.Context(), bookID, *req.Stock); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": bookID, "stock": *req.Stock})
}

func bookIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "bookID"), 10, 64)
	if err != nil || id <= 0 {
		writeMessage(w, http.StatusBadRequest, "book id must be a positive integer")
		return 0, false
	}
	return id, true
}

// writeError traduce los errores de dominio a respuestas HTTP.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ValidationError
	var oos *OutOfStockError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": verr.Reason, "field": verr.Field})
	case errors.As(err, &oos):
		writeMessage(w, http.StatusBadRequest, oos.Error())
	case errors.Is(err, ErrDuplicateItem):
		writeMessage(w, http.StatusBadRequest, "This book is already in your cart.")
	case errors.Is(err, ErrInsufficientStock):
		writeMessage(w, http.StatusBadRequest, "This book is not available in sufficient quantity.")
	case errors.Is(err, ErrEmptyCart):
		writeMessage(w, http.StatusBadRequest, "No items in the cart to checkout.")
	case errors.Is(err, ErrNotInCart):
		writeMessage(w, http.StatusBadRequest, "This book is not in your cart.")
	case errors.Is(err, ErrNotFound):
		writeMessage(w, http.StatusNotFound, "Not found.")
	default:
		s.log.Error().Err(err).Str("request_id", requestID(r.Context())).Msg("request failed")
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
