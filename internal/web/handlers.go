package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/modfin/offer"
	"github.com/modfin/offer/internal/apperr"
	"github.com/modfin/offer/internal/approval"
	"github.com/modfin/offer/internal/dao"
	"github.com/modfin/offer/internal/delivery"
	"github.com/modfin/offer/internal/scheduling"
	"github.com/modfin/offer/internal/timex"
)

const maxBody = 64 << 10

func decode(r *http.Request, v any) error {
	defer r.Body.Close()
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func deliver(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.svc.Delivery.Tick(r.Context())
		if err != nil {
			respondErr(w, r, s.log, apperr.Internal(err, "delivery tick failed"))
			return
		}
		respond(w, http.StatusOK, res)
	}
}

func expire(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := s.svc.Expiry.ExpireDue(r.Context(), s.config.ExpireBatchSize)
		if err != nil {
			respondErr(w, r, s.log, err)
			return
		}
		respond(w, http.StatusOK, offer.ExpireResult{Expired: n, Timestamp: timex.UTCNow()})
	}
}

type scheduleResponse struct {
	OfferSend *dao.OfferSend `json:"offerSend"`
	Message   string         `json:"message"`
}

func schedule(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := userOf(r)
		if user == "" {
			respondErr(w, r, s.log, apperr.Unauthorized("authentication required"))
			return
		}
		var req scheduling.Request
		if err := decode(r, &req); err != nil {
			respondErr(w, r, s.log, apperr.Validation("could not parse body"))
			return
		}
		send, err := s.svc.Scheduling.Schedule(r.Context(), user, req)
		if err != nil {
			respondErr(w, r, s.log, err)
			return
		}
		respond(w, http.StatusOK, scheduleResponse{
			OfferSend: send,
			Message:   "Offer scheduled for " + send.ScheduledFor.String(),
		})
	}
}

type cancelResponse struct {
	OfferSend *dao.OfferSend `json:"offerSend"`
}

func cancelSend(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		send, err := s.svc.Scheduling.Cancel(r.Context(), userOf(r), chi.URLParam(r, "id"))
		if err != nil {
			respondErr(w, r, s.log, err)
			return
		}
		respond(w, http.StatusOK, cancelResponse{OfferSend: send})
	}
}

type approvalResponse struct {
	Approval *dao.OfferApproval `json:"approval"`
}

func withdraw(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := s.svc.Approval.Withdraw(r.Context(), userOf(r), chi.URLParam(r, "id"))
		if err != nil {
			respondErr(w, r, s.log, err)
			return
		}
		respond(w, http.StatusOK, approvalResponse{Approval: a})
	}
}

func view(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.svc.Approval.View(r.Context(), chi.URLParam(r, "publicToken"))
		if err != nil {
			respondErr(w, r, s.log, err)
			return
		}
		respond(w, http.StatusOK, p)
	}
}

func approve(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.svc.Approval.Approve(r.Context(), chi.URLParam(r, "publicToken"), approval.ViaWebButton, "")
		if err != nil {
			respondErr(w, r, s.log, err)
			return
		}
		respond(w, http.StatusOK, p)
	}
}

func acceptOneClick(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		p, err := s.svc.Approval.Approve(r.Context(), chi.URLParam(r, "publicToken"), approval.ViaEmail1Click, token)
		if err != nil {
			respondErr(w, r, s.log, err)
			return
		}
		respond(w, http.StatusOK, p)
	}
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func reject(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rejectRequest
		if err := decode(r, &req); err != nil {
			respondErr(w, r, s.log, apperr.Validation("could not parse body"))
			return
		}
		p, err := s.svc.Approval.Reject(r.Context(), chi.URLParam(r, "publicToken"), req.Reason)
		if err != nil {
			respondErr(w, r, s.log, err)
			return
		}
		respond(w, http.StatusOK, p)
	}
}

func cancelAccept(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.svc.Approval.CancelAccept(r.Context(), chi.URLParam(r, "publicToken"))
		if err != nil {
			respondErr(w, r, s.log, err)
			return
		}
		respond(w, http.StatusOK, p)
	}
}

var _ Ticker = (*delivery.Worker)(nil)
var _ Expirer = (*approval.Service)(nil)
